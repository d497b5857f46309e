package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"provisiond/internal/collection"
	"provisiond/internal/config"
	"provisiond/internal/index"
	"provisiond/internal/pipeline"
)

func newServerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the daemon: keep generated configuration in sync with the object graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			syncOnStart, _ := cmd.Flags().GetBool("sync-on-start")
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.serve(ctx, metricsAddr, syncOnStart)
		},
	}
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. localhost:9464)")
	cmd.Flags().Bool("sync-on-start", true, "run a full sync once the graph is loaded")
	return cmd
}

func (a *app) serve(ctx context.Context, metricsAddr string, syncOnStart bool) (err error) {
	o, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, o.Close()) }()

	if err := o.Start(ctx); err != nil {
		return err
	}
	if syncOnStart {
		// Failures are in the report and already logged.
		_, _ = o.Sync(ctx)
	}

	var srv *http.Server
	srvErr := make(chan error, 1)
	if metricsAddr != "" {
		ln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		srv = &http.Server{Handler: metricsHandler(), ReadHeaderTimeout: 10 * time.Second}
		a.logger.Info("metrics listening", "addr", ln.Addr().String())
		go func() { srvErr <- srv.Serve(ln) }()
	}

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
	}
	a.logger.Info("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

// metricsHandler serves every provisiond collector plus the Go runtime
// and process collectors.
func metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collection.Collectors()...)
	reg.MustRegister(index.Collectors()...)
	reg.MustRegister(pipeline.Collectors()...)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Regenerate every service's configuration from the object graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			o, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, o.Close()) }()
			rep, err := o.Sync(ctx)
			if rep != nil {
				printSyncReport(cmd.OutOrStdout(), rep)
			}
			return err
		},
	}
}

func printSyncReport(w io.Writer, rep *pipeline.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "MANAGER\tFILES\tRESTARTED\tDURATION\tERROR")
	for _, m := range rep.Managers {
		msg := ""
		if m.Err != nil {
			msg = m.Err.Error()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			m.Name, m.Files, strconv.FormatBool(m.Restarted), m.Duration.Round(time.Millisecond), msg)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "%d items synced in %s", rep.Items, rep.Duration.Round(time.Millisecond))
	if rep.Corrupt > 0 {
		_, _ = fmt.Fprintf(w, ", %d corrupt items left out", rep.Corrupt)
	}
	_, _ = fmt.Fprintln(w)
	for _, err := range rep.Triggers {
		_, _ = fmt.Fprintf(w, "trigger: %v\n", err)
	}
}

// errCheckFailed makes "check" exit non-zero after printing its report.
var errCheckFailed = errors.New("consistency check found problems")

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report corrupt items and broken references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			o, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, o.Close()) }()
			rep, err := o.Check(ctx)
			if err != nil {
				return err
			}
			printCheckReport(cmd.OutOrStdout(), rep)
			if !rep.OK() {
				return errCheckFailed
			}
			return nil
		},
	}
}

func printCheckReport(w io.Writer, rep *collection.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "COLLECTION\tSTATE\tITEMS\tCORRUPT")
	for _, c := range rep.Collections {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", c.Kind.Plural(), c.State, c.Items, len(c.Corrupt))
	}
	_ = tw.Flush()
	for _, c := range rep.Collections {
		for _, name := range c.Corrupt {
			_, _ = fmt.Fprintf(w, "corrupt: %s %q\n", c.Kind, name)
		}
	}
	for _, p := range rep.Problems {
		_, _ = fmt.Fprintf(w, "problem: %v\n", p)
	}
	if rep.OK() {
		_, _ = fmt.Fprintln(w, "no problems found")
	}
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the home directory and write default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hd, err := resolveHome(a.homeFlag)
			if err != nil {
				return err
			}
			if err := hd.EnsureExists(); err != nil {
				return err
			}
			if err := config.Bootstrap(hd.SettingsPath()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", hd.SettingsPath())
			return nil
		},
	}
}
