package config

import (
	"fmt"
	"os"
)

// Exitf prints a fatal message to stderr and terminates the process with
// exit code 1. Meant for main functions, where there is nothing to unwind.
func Exitf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, fmt.Sprintf(format, args...))
	os.Exit(1)
}
