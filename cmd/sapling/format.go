package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jward/sapling"
)

// CLIResult is the JSON envelope of every command's output.
type CLIResult struct {
	Command string `json:"command"`
	Results any    `json:"results,omitempty"`
	Error   string `json:"error,omitempty"`
}

// outputResult writes result in the selected format to the command's
// stdout.
func (a *app) outputResult(cmd *cobra.Command, command string, result any) error {
	w := cmd.OutOrStdout()
	if a.cfg.Format == "text" {
		return outputResultText(w, result)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(CLIResult{Command: command, Results: result})
}

// outputError writes err in the selected format and returns errReported so
// main doesn't print it again. In JSON mode the error goes to stdout as a
// CLIResult envelope; in text mode to stderr.
func (a *app) outputError(cmd *cobra.Command, command string, err error) error {
	if a.cfg.Format == "text" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err)
		return fmt.Errorf("%w: %w", errReported, err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(CLIResult{Command: command, Error: err.Error()})
	return fmt.Errorf("%w: %w", errReported, err)
}

func outputResultText(w io.Writer, result any) error {
	switch v := result.(type) {
	case analyzeSummary:
		formatSummaryText(w, v)
	case []sapling.ModuleInfo:
		formatModulesText(w, v)
	case []sapling.Completion:
		formatCompletionsText(w, v)
	case changeReport:
		formatChangeText(w, v)
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}
	return nil
}

// formatSummaryText prints the totals followed by each file's error
// diagnostics as "line:col message".
func formatSummaryText(w io.Writer, s analyzeSummary) {
	fmt.Fprintf(w, "Analyzed %d files, %d modules", s.Files, s.Modules)
	if s.Elapsed != "" {
		fmt.Fprintf(w, " in %s", s.Elapsed)
	}
	fmt.Fprintln(w)
	if len(s.FilesWithErrors) == 0 {
		return
	}
	fmt.Fprintf(w, "\nFiles with errors: %d\n", len(s.FilesWithErrors))
	for _, f := range s.FilesWithErrors {
		fmt.Fprintf(w, "  %s\n", f.Path)
		for _, d := range f.Diagnostics {
			fmt.Fprintf(w, "    %d:%d %s: %s\n", d.Line, d.Col, d.Kind, d.Message)
		}
	}
}

func formatModulesText(w io.Writer, mods []sapling.ModuleInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODULE\tPATH\tALIAS")
	for _, m := range mods {
		alias := ""
		if m.Alias {
			alias = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, m.Path, alias)
	}
	tw.Flush()
}

func formatCompletionsText(w io.Writer, items []sapling.Completion) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tDETAIL")
	for _, c := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Kind, c.Detail)
	}
	tw.Flush()
}

func formatChangeText(w io.Writer, r changeReport) {
	if r.Errors == 0 {
		fmt.Fprintf(w, "%s ok\n", r.Path)
		return
	}
	fmt.Fprintf(w, "%s %d errors\n", r.Path, r.Errors)
}
