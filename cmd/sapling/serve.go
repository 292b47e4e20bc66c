package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jward/sapling"
	"github.com/jward/sapling/internal/protocol"
)

const shutdownTimeout = 5 * time.Second

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [dir|archive.zip]...",
		Short: "Serve the command protocol to an editor",
		Long: `Serves JSON requests on stdin and writes responses and events to stdout, one
JSON object per line. With --listen, serves the same protocol over websocket
connections instead. Arguments are loaded before the first request is read.`,
		RunE: a.runServe,
	}
	cmd.Flags().String("listen", "", "websocket listen address (default: stdio)")
	cmd.Flags().String("metrics-listen", "", "address serving prometheus metrics on /metrics")
	cmd.Flags().StringSlice("watch", nil, "directories whose on-disk changes are mirrored")
	bindFlags(a.v, cmd.Flags(), "listen", "metrics-listen", "watch")
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e, err := a.newEngine(sapling.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer e.Close()

	if err := loadTargets(ctx, e, append(args, a.cfg.Watch...)); err != nil {
		return err
	}

	srv := protocol.NewServer(e, a.logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/", srv.WebsocketHandler(nil))
		a.logger.Info("serving websocket", slog.String("addr", a.cfg.Listen))
		runHTTP(ctx, g, &http.Server{Addr: a.cfg.Listen, Handler: mux})
	} else {
		g.Go(func() error {
			// The editor closing stdin ends the process.
			defer cancel()
			return srv.ServeStream(ctx, os.Stdin, cmd.OutOrStdout())
		})
	}

	if a.cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		a.logger.Info("serving metrics", slog.String("addr", a.cfg.MetricsListen))
		runHTTP(ctx, g, &http.Server{Addr: a.cfg.MetricsListen, Handler: mux})
	}

	if len(a.cfg.Watch) > 0 {
		g.Go(func() error {
			return e.Watch(ctx, a.cfg.Watch...)
		})
	}

	return g.Wait()
}

// runHTTP serves hs in g until ctx ends, then shuts it down.
func runHTTP(ctx context.Context, g *errgroup.Group, hs *http.Server) {
	g.Go(func() error {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
}
