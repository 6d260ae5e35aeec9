// Package termcolor prints colored lines to stdout using raw ANSI escapes,
// honoring NO_COLOR and non-terminal output.
package termcolor

import (
	"fmt"
	"os"
	"sync"
)

const (
	reset  = "\033[0m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
)

var enabled = sync.OnceValue(func() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
})

func line(color, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if enabled() {
		fmt.Printf("%s%s%s\n", color, msg, reset)
		return
	}
	fmt.Println(msg)
}

// Green prints a green line, for successful outcomes.
func Green(format string, a ...any) { line(green, format, a...) }

// Yellow prints a yellow line, for warnings.
func Yellow(format string, a ...any) { line(yellow, format, a...) }

// Red prints a red line, for errors.
func Red(format string, a ...any) { line(red, format, a...) }
