package main

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/alfredjeanlab/gatebus/internal/ui"
	"github.com/spf13/cobra"
)

// helpRule rewrites every match of re in Cobra's help text.
type helpRule struct {
	re      *regexp.Regexp
	replace func(parts []string) string
}

// Help styling rules, applied in order.
var helpRules = []helpRule{
	// Section headers: unindented line ending with ":" (e.g. "Gateway:", "Flags:").
	{
		re:      regexp.MustCompile(`(?m)^([A-Z][^\n]*:)\s*$`),
		replace: func(p []string) string { return ui.RenderAccent(strings.TrimSpace(p[0])) },
	},
	// Command names: two-space indent, a word, then two or more spaces.
	{
		re:      regexp.MustCompile(`(?m)^(  )(\S+)(  )`),
		replace: func(p []string) string { return p[1] + ui.RenderCommand(p[2]) + p[3] },
	},
	// Flag type annotations: e.g. "--url string", "--after int64".
	{
		re:      regexp.MustCompile(`(--?\S+\s+)(string|int64|int|duration|stringSlice|stringArray)`),
		replace: func(p []string) string { return p[1] + ui.RenderMuted(p[2]) },
	},
	// Quoted defaults only, so [command] and [flags] stay plain.
	{
		re:      regexp.MustCompile(`\(default "[^"]*"\)`),
		replace: func(p []string) string { return ui.RenderMuted(p[0]) },
	},
}

// colorizedHelpFunc returns a Cobra help function that post-processes the
// default help text with ANSI colors when the terminal supports it.
func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		orig := cmd.OutOrStdout()
		if !ui.ShouldUseColor() {
			cmd.SetOut(orig)
			_ = cmd.Usage()
			return
		}

		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(orig)

		fmt.Fprint(orig, colorizeHelpOutput(buf.String()))
	}
}

// colorizeHelpOutput applies ANSI styling to Cobra's plain-text help.
func colorizeHelpOutput(s string) string {
	for _, rule := range helpRules {
		s = rule.re.ReplaceAllStringFunc(s, func(match string) string {
			return rule.replace(rule.re.FindStringSubmatch(match))
		})
	}
	return s
}
