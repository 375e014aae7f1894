package guard

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// RouteClass is the access tier of a path.
type RouteClass int

const (
	Unclassified RouteClass = iota
	Guest
	Protected
)

func (c RouteClass) String() string {
	switch c {
	case Guest:
		return "guest"
	case Protected:
		return "protected"
	default:
		return "unclassified"
	}
}

// ErrMisconfigured is returned by Routes.Validate for tables that cannot be
// enforced as written.
var ErrMisconfigured = errors.New("guard misconfigured")

// Routes are the static classification tables.
//
// Protected entries match the path itself and everything below it on a
// segment boundary. Guest entries match exactly, or as a segment prefix when
// written with a trailing "/*".
type Routes struct {
	Guest     []string
	Protected []string
}

// DefaultRoutes returns the chat client's classification tables.
func DefaultRoutes() Routes {
	return Routes{
		Guest:     []string{"/", "/login", "/register", "/forgot-password"},
		Protected: []string{"/chat"},
	}
}

// Classify returns the class of p. Protected is checked first, so a path
// matching both tables is Protected.
func (r Routes) Classify(p string) RouteClass {
	p = cleanPath(p)
	for _, entry := range r.Protected {
		if matchPrefix(cleanPath(entry), p) {
			return Protected
		}
	}
	for _, entry := range r.Guest {
		if matchGuest(entry, p) {
			return Guest
		}
	}
	return Unclassified
}

// Validate reports ErrMisconfigured for an empty table, malformed
// entries, or entries that fall in both tables.
func (r Routes) Validate() error {
	var problems []string
	if len(r.Protected) == 0 {
		problems = append(problems, "protected table is empty")
	}
	if len(r.Guest) == 0 {
		problems = append(problems, "guest table is empty")
	}
	for _, entry := range r.Protected {
		if !strings.HasPrefix(entry, "/") {
			problems = append(problems, fmt.Sprintf("protected entry %q is not an absolute path", entry))
		}
	}
	for _, entry := range r.Guest {
		if !strings.HasPrefix(entry, "/") {
			problems = append(problems, fmt.Sprintf("guest entry %q is not an absolute path", entry))
			continue
		}
		base := strings.TrimSuffix(entry, "/*")
		for _, prot := range r.Protected {
			protected := cleanPath(prot)
			if matchPrefix(protected, cleanPath(base)) {
				problems = append(problems, fmt.Sprintf("guest entry %q overlaps protected entry %q", entry, prot))
			} else if strings.HasSuffix(entry, "/*") && matchPrefix(cleanPath(base), protected) {
				problems = append(problems, fmt.Sprintf("guest entry %q covers protected entry %q", entry, prot))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMisconfigured, strings.Join(problems, "; "))
	}
	return nil
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// matchPrefix reports whether p is prefix or lies below it.
func matchPrefix(prefix, p string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func matchGuest(entry, p string) bool {
	if base, ok := strings.CutSuffix(entry, "/*"); ok {
		return matchPrefix(cleanPath(base), p)
	}
	return cleanPath(entry) == p
}
