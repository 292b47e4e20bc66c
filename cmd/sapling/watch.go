package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jward/sapling"
)

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir>...",
		Short: "Analyze a project and keep re-analyzing it as files change on disk",
		Long: `Analyzes every directory like analyze, prints the summary, then reports each
re-analyzed file as changes on disk are picked up. Runs until interrupted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return a.outputError(cmd, "watch", err)
			}
			defer e.Close()

			if err := loadTargets(ctx, e, args); err != nil {
				return a.outputError(cmd, "watch", err)
			}
			summary, err := summarize(e)
			if err != nil {
				return a.outputError(cmd, "watch", err)
			}
			if err := a.outputResult(cmd, "watch", summary); err != nil {
				return err
			}

			// Subscribers must not block; reports are written from the
			// loop below.
			events := make(chan sapling.Event, 64)
			unsubscribe := e.Subscribe(func(ev sapling.Event) {
				if ev.Kind != sapling.EventAnalysisComplete {
					return
				}
				select {
				case events <- ev:
				default:
					a.logger.Warn("change report dropped", slog.String("path", ev.Path))
				}
			})
			defer unsubscribe()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return e.Watch(ctx, args...) })
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case ev := <-events:
						if err := a.outputResult(cmd, "watch", fileStatus(e, ev)); err != nil {
							return err
						}
					}
				}
			})
			return g.Wait()
		},
	}
}

// changeReport is printed for each file re-analyzed while watching.
type changeReport struct {
	Path   string `json:"path"`
	Errors int    `json:"errors"`
}

func fileStatus(e *sapling.Engine, ev sapling.Event) changeReport {
	r := changeReport{Path: ev.Path}
	diags, err := e.Diagnostics(ev.Handle)
	if err != nil {
		return r
	}
	for _, d := range diags {
		if d.Severity == sapling.SeverityError {
			r.Errors++
		}
	}
	return r
}
