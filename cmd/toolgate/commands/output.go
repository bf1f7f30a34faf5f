package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Faint(true)

	allowColor = color.New(color.FgGreen, color.Bold)
	denyColor  = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgYellow)
)

// isTTY reports whether w is an interactive terminal. Styling is only
// applied there so piped output stays plain.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func termWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return 80
}

func styled(w io.Writer, s lipgloss.Style, text string) string {
	if !isTTY(w) {
		return text
	}
	return s.Render(text)
}

func colored(w io.Writer, c *color.Color, text string) string {
	if !isTTY(w) {
		return text
	}
	return c.Sprint(text)
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w)                                        //nolint:errcheck // CLI output
	fmt.Fprintf(w, "  %s\n", styled(w, titleStyle, title)) //nolint:errcheck // CLI output
	printRule(w)
}

func printRule(w io.Writer) {
	fmt.Fprintf(w, "  %s\n", strings.Repeat("─", min(40, termWidth(w)-4))) //nolint:errcheck // CLI output
}

func printField(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "  %s %v\n", styled(w, labelStyle, fmt.Sprintf("%-14s", label+":")), value) //nolint:errcheck // CLI output
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func verdict(w io.Writer, allowed bool, reason string) string {
	if allowed {
		return colored(w, allowColor, "ALLOWED") + " (" + reason + ")"
	}
	return colored(w, denyColor, "DENIED") + " (" + reason + ")"
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func fmtTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmtTime(*t)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate shortens s to n runes for table cells.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
