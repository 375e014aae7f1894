package cmd

import (
	"fmt"
	"io"
)

const banner = `
       _           _                           _
   ___| |__   __ _| |_ __ _ _   _  __ _ _ __ __| |
  / __| '_ \ / _` + "`" + ` | __/ _` + "`" + ` | | | |/ _` + "`" + ` | '__/ _` + "`" + ` |
 | (__| | | | (_| | || (_| | |_| | (_| | | | (_| |
  \___|_| |_|\__,_|\__\__, |\__,_|\__,_|_|  \__,_|
                      |___/
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Chat session guard - Version %s\x1b[0m\n\n", Version)
}
