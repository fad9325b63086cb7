// Package printer formats CLI output. Errors are printed in full to stderr and
// returned as a short error carrying only the title, for cobra.
package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
)

func init() {
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr

	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

func Success(format string, a ...any) {
	green.Fprintf(Stdout, "✓ %s", strings.TrimPrefix(fmt.Sprintf(format, a...), "✓ "))
}

func Warning(format string, a ...any) {
	yellow.Fprintf(Stderr, "⚠️  %s", fmt.Sprintf(format, a...))
}

func Step(format string, a ...any) {
	cyan.Fprintf(Stdout, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints title, explanation and numbered suggestions.
func Error(title, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with a block of key/value details, printed in key
// order.
func ErrorWithContext(title, explanation string, details map[string]string, suggestions []string) error {
	red.Fprintf(Stderr, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(Stderr, "%s\n", explanation)
	}
	if len(details) > 0 {
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(Stderr)
		for _, k := range keys {
			fmt.Fprintf(Stderr, "  %s: %s\n", k, details[k])
		}
	}
	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(Stderr, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(Stderr, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(Stderr, "  %d. %s\n", i+1, s)
		}
	}
	return fmt.Errorf("%s", title)
}
