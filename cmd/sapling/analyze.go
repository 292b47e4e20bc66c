package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jward/sapling"
)

func (a *app) analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <dir|archive.zip|file.py>...",
		Short: "Analyze a project once and report files with errors",
		Long: `Crawls every argument (directories for packages, zip archives for package
members, single files as given), waits until parsing and analysis are idle and
prints a summary including each file with error diagnostics.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return a.outputError(cmd, "analyze", err)
			}
			defer e.Close()

			if err := loadTargets(ctx, e, args); err != nil {
				return a.outputError(cmd, "analyze", err)
			}
			summary, err := summarize(e)
			if err != nil {
				return a.outputError(cmd, "analyze", err)
			}
			summary.Elapsed = time.Since(start).Round(time.Millisecond).String()
			return a.outputResult(cmd, "analyze", summary)
		},
	}
}

// fileReport lists the error diagnostics of one file.
type fileReport struct {
	Path        string               `json:"path"`
	Diagnostics []sapling.Diagnostic `json:"diagnostics"`
}

type analyzeSummary struct {
	Roots           []string     `json:"roots"`
	Files           int          `json:"files"`
	Modules         int          `json:"modules"`
	FilesWithErrors []fileReport `json:"files_with_errors"`
	Elapsed         string       `json:"elapsed,omitempty"`
}

func summarize(e *sapling.Engine) (analyzeSummary, error) {
	s := analyzeSummary{Roots: e.Roots(), FilesWithErrors: []fileReport{}}
	for _, ent := range e.Entries() {
		if !ent.IsSource() {
			continue
		}
		s.Files++
		has, err := e.HasErrors(ent.Handle())
		if err != nil || !has {
			continue
		}
		diags, err := e.Diagnostics(ent.Handle())
		if err != nil {
			continue
		}
		report := fileReport{Path: ent.Path(), Diagnostics: []sapling.Diagnostic{}}
		for _, d := range diags {
			if d.Severity == sapling.SeverityError {
				report.Diagnostics = append(report.Diagnostics, d)
			}
		}
		s.FilesWithErrors = append(s.FilesWithErrors, report)
	}
	mods, err := e.Modules(sapling.ModuleOptions{})
	if err != nil {
		return s, err
	}
	s.Modules = len(mods)
	return s, nil
}
