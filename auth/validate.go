package auth

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// FieldError is one failed rule on one form field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError lists the failed rules of a form in field order.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// First returns the message of the first failed rule.
func (e *ValidationError) First() string {
	if len(e.Fields) == 0 {
		return ""
	}
	return e.Fields[0].Message
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Validator checks form input before any provider or network call.
type Validator interface {
	ValidateLogin(LoginInput) error
	ValidateSignUp(SignUpInput) error
	ValidateReset(ResetInput) error
}

var (
	emailPattern   = regexp.MustCompile(`^[A-Za-z0-9._%+'-]+@[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?(?:\.[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?)*\.[A-Za-z]{2,}$`)
	upperPattern   = regexp.MustCompile(`[A-Z]`)
	lowerPattern   = regexp.MustCompile(`[a-z]`)
	digitPattern   = regexp.MustCompile(`\d`)
	specialPattern = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>]`)
)

// DefaultValidator applies the chat client's form rules.
type DefaultValidator struct{}

var _ Validator = DefaultValidator{}

func (DefaultValidator) ValidateLogin(in LoginInput) error {
	v := &ValidationError{}
	switch {
	case in.Email == "":
		v.add("email", "Email is required")
	case !emailPattern.MatchString(in.Email):
		v.add("email", "Invalid email")
	}
	switch n := utf8.RuneCountInString(in.Password); {
	case n == 0:
		v.add("password", "Password is required")
	case n < 6:
		v.add("password", "Password must be at least 6 characters long")
	}
	return v.orNil()
}

func (DefaultValidator) ValidateSignUp(in SignUpInput) error {
	v := &ValidationError{}

	switch n := utf8.RuneCountInString(in.Name); {
	case n < 3:
		v.add("name", "Name must be at least 3 characters long")
	case n > 50:
		v.add("name", "Name must be at most 50 characters long")
	}

	switch n := utf8.RuneCountInString(in.Email); {
	case !emailPattern.MatchString(in.Email):
		v.add("email", "Invalid email")
	case n < 5:
		v.add("email", "Email must be at least 5 characters long")
	case n > 100:
		v.add("email", "Email must be at most 100 characters long")
	}

	switch n := utf8.RuneCountInString(in.Password); {
	case n < 8:
		v.add("password", "Password must be at least 8 characters long")
	case n > 50:
		v.add("password", "Password must be at most 50 characters long")
	case !upperPattern.MatchString(in.Password):
		v.add("password", "Password must contain at least one uppercase letter")
	case !lowerPattern.MatchString(in.Password):
		v.add("password", "Password must contain at least one lowercase letter")
	case !digitPattern.MatchString(in.Password):
		v.add("password", "Password must contain at least one number")
	case !specialPattern.MatchString(in.Password):
		v.add("password", "Password must contain at least one special character")
	}

	if in.Password != in.ConfirmPassword {
		v.add("confirmPassword", "Passwords do not match")
	}
	return v.orNil()
}

func (DefaultValidator) ValidateReset(in ResetInput) error {
	v := &ValidationError{}
	switch {
	case in.Email == "":
		v.add("email", "Email is required")
	case !emailPattern.MatchString(in.Email):
		v.add("email", "Invalid email")
	}
	return v.orNil()
}
