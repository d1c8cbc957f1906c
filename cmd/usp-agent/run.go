package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/uspagent/agent/pkg/config"
	"github.com/uspagent/agent/pkg/dispatch"
	"github.com/uspagent/agent/pkg/errors"
	"github.com/uspagent/agent/pkg/logger"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve controller requests from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cmd.InOrStdin() == io.Reader(os.Stdin) && isTerminal(os.Stdin) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Reading JSON-RPC requests from stdin, one per line (Ctrl+D to stop)")
			}
			return runAgent(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// agent holds everything runAgent wires together
type agent struct {
	log        *logger.Logger
	sys        *errors.System
	params     *dispatch.ParamStore
	dispatcher *dispatch.Dispatcher
	registry   *prometheus.Registry
}

func newAgent(cfg *config.Config, abort func()) (*agent, error) {
	log, err := logger.Initialize(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.LogOutput(),
		Component: "agent",
		Version:   version,
	})
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	errCfg := errors.Config{
		MaxLen:         cfg.Errors.MaxMessageLen,
		HistorySize:    cfg.Errors.HistorySize,
		CallstackDebug: cfg.Logging.CallstackDebug,
		Sink:           log.WithComponent("errors"),
		Registerer:     registry,
		RecordTimeout:  cfg.RecordTimeout(),
		Abort:          abort,
	}
	if cfg.Crash.JournalEnabled {
		errCfg.JournalPath = cfg.Crash.JournalPath
		errCfg.RetentionDays = cfg.Crash.RetentionDays
		errCfg.CleanupSchedule = cfg.Crash.CleanupSchedule
	}

	sys, err := errors.New(errCfg)
	if err != nil {
		log.Close()
		return nil, err
	}
	errors.SetGlobalSystem(sys)

	params, err := dispatch.OpenParamStore(cfg.DataModel.DatabasePath)
	if err != nil {
		sys.Stop()
		log.Close()
		return nil, fmt.Errorf("failed to open data model: %w", err)
	}

	d := dispatch.New(dispatch.Config{
		System:     sys,
		Logger:     log,
		Registerer: registry,
		QueueSize:  cfg.DataModel.QueueSize,
	})
	dispatch.RegisterBuiltins(d, dispatch.Builtins{
		Params:  params,
		Journal: sys.Journal(),
	})

	return &agent{
		log:        log,
		sys:        sys,
		params:     params,
		dispatcher: d,
		registry:   registry,
	}, nil
}

func (a *agent) close() {
	ctx := context.Background()
	a.dispatcher.Stop()
	if err := a.params.Close(); err != nil {
		a.log.ErrorEvent(ctx, "failed to close data model", err,
			slog.String("path", a.params.Path()))
	}
	if err := a.sys.Stop(); err != nil {
		a.log.ErrorEvent(ctx, "failed to stop error system", err)
	}
	a.log.Close()
}

// errStdoutLogging is returned by run when logs would share stdout with the
// response stream
var errStdoutLogging = stderrors.New(`logging.output "stdout" would interleave logs with responses; use "stderr" or "file"`)

func runAgent(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	if cfg.LogOutput() == "stdout" {
		return errStdoutLogging
	}

	a, err := newAgent(cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()

	a.sys.Init()
	if err := a.sys.Start(ctx); err != nil {
		return err
	}
	if err := a.dispatcher.Start(); err != nil {
		return err
	}

	a.log.Info("USP agent started",
		"max_message_len", a.sys.MaxLen(),
		"crash_journal", cfg.Crash.JournalEnabled,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           metricsMux(a.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			a.log.Info("metrics server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				a.log.ErrorEvent(gctx, "metrics server failed", err,
					slog.String("addr", srv.Addr))
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		// A read on stdin cannot be interrupted, so the reader is abandoned
		// on shutdown rather than waited for
		errc := make(chan error, 1)
		go func() { errc <- a.dispatcher.Serve(gctx, in, out) }()

		select {
		case err := <-errc:
			// End of input stops the agent
			cancel()
			if stderrors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	a.log.Info("USP agent stopped")
	return err
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// isTerminal reports whether f is interactive, used to hint that run expects
// piped requests.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
