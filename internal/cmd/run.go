package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/okarlsen/dictare/internal/app"
	"github.com/okarlsen/dictare/internal/config"
	"github.com/okarlsen/dictare/internal/diagnostics"
	"github.com/okarlsen/dictare/internal/health"
	"github.com/okarlsen/dictare/internal/history"
	"github.com/okarlsen/dictare/internal/lifecycle"
	"github.com/okarlsen/dictare/internal/localserver"
	"github.com/okarlsen/dictare/internal/observe"
	"github.com/okarlsen/dictare/internal/pipeline"
	"github.com/okarlsen/dictare/pkg/provider/asr"
	openaiasr "github.com/okarlsen/dictare/pkg/provider/asr/openai"
	"github.com/okarlsen/dictare/pkg/provider/asr/whispercpp"
)

// defaultOpenAIModel is used when providers.openai.model is unset and openai
// only acts as the fallback.
const defaultOpenAIModel = "whisper-1"

// shutdownTimeout bounds the graceful teardown after the signal context is
// cancelled.
const shutdownTimeout = 15 * time.Second

// NewRunCmd creates the run command, the daemon's main loop.
func NewRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dictation daemon",
		Long:  "Run the dictation daemon: load configuration, probe providers, and serve the session control and health endpoints until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), *configPath)
		},
	}
}

func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
		}
		return err
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel, os.Stderr))
	slog.Info("dictared starting",
		"version", Version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"primary", cfg.Providers.Primary,
	)

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: Version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	store, err := history.Open(historyPath(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	sup := localserver.New()
	defer sup.Shutdown()

	primary, fallback, err := buildProviders(cfg, sup)
	if err != nil {
		return err
	}

	rollup := diagnostics.NewRollup(diagnostics.RollupConfig{
		UploadEndpoint: cfg.Telemetry.UploadEndpoint,
		UploadOptIn:    cfg.Telemetry.UploadOptIn,
	})
	go rollup.Run(ctx)

	machine := lifecycle.NewBooting()
	recorder := &handoffRecorder{}
	mgr := app.New(app.Deps{
		Config:      cfg,
		Machine:     machine,
		Recorder:    recorder,
		Transcriber: pipeline.New(primary, fallback),
		Primary:     primary,
		Fallback:    fallback,
		Store:       store,
		Center:      diagnostics.NewCenter(rollup),
		Rollup:      rollup,
		Metrics:     observe.DefaultMetrics(),
		Sink:        newSink(os.Stdout),
	})
	if err := mgr.Boot(ctx); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(configPath, func(old, cur *config.Config) {
		applyReload(mgr, old, cur)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	go recoveryLoop(ctx, mgr)

	srvErr := make(chan error, 1)
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		health.New(health.ProviderChecker(primary), health.ProviderChecker(fallback)).
			WithStatus(machine).
			Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())
		NewController(mgr, recorder).Register(mux)

		srv = &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
		slog.Info("control endpoint listening", "addr", cfg.Server.ListenAddr)
	} else {
		slog.Warn("server.listen_addr is empty; control and health endpoints disabled")
	}

	slog.Info("daemon ready")
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		return fmt.Errorf("control endpoint: %w", err)
	}

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("control endpoint shutdown error", "err", err)
		}
	}
	mgr.Shutdown(shutdownCtx)
	slog.Info("goodbye")
	return nil
}

// recoveryInterval is how often a degraded daemon re-probes its providers.
const recoveryInterval = 30 * time.Second

// recoveryLoop periodically attempts the degraded-to-ready transition. The
// attempt rate is additionally bounded by the diagnostics recovery budget.
func recoveryLoop(ctx context.Context, mgr *app.Manager) {
	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.TryRecover(ctx)
		}
	}
}

// applyReload maps a config file change onto the running daemon.
func applyReload(mgr *app.Manager, old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		slog.SetDefault(newLogger(d.NewLogLevel, os.Stderr))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TranscriptionChanged || d.OutputModeChanged {
		mgr.ApplySettings(cur.Transcription, cur.Output.Mode)
		slog.Info("transcription settings reloaded")
	}
	if d.RestartRequired {
		slog.Warn("provider, server, history or telemetry changes need a restart to take effect")
	}
}

// historyPath returns the store path, substituting the in-memory DSN when
// history.path is unset.
func historyPath(cfg *config.Config) string {
	if cfg.History.Path == "" {
		return ":memory:"
	}
	return cfg.History.Path
}

// buildProviders instantiates the primary and fallback adapters from cfg.
// The primary must be constructible; a broken or absent fallback degrades to
// a stand-in that always fails with a not-configured classification.
func buildProviders(cfg *config.Config, sup *localserver.Supervisor) (primary, fallback asr.Provider, err error) {
	reg := config.NewRegistry()
	registerProviders(reg, sup)

	primary, err = reg.Create(cfg.Providers.Primary, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create primary provider %q: %w", cfg.Providers.Primary, err)
	}
	slog.Info("provider created", "role", "primary", "name", primary.Name())

	fbName := fallbackName(cfg.Providers.Primary)
	fallback, err = reg.Create(fbName, cfg)
	if err != nil {
		slog.Warn("fallback provider unavailable, failures cannot fall back",
			"name", fbName, "err", err)
		fallback = asr.Disabled(fbName)
	} else {
		slog.Info("provider created", "role", "fallback", "name", fallback.Name())
	}
	return primary, fallback, nil
}

// registerProviders wires the built-in adapter factories into reg.
func registerProviders(reg *config.Registry, sup *localserver.Supervisor) {
	reg.Register("openai", func(cfg *config.Config) (asr.Provider, error) {
		model := cfg.Providers.OpenAI.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		var opts []openaiasr.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openaiasr.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openaiasr.New(cfg.Providers.OpenAI.APIKey, model, opts...)
	})

	reg.Register("whispercpp", func(cfg *config.Config) (asr.Provider, error) {
		wc := cfg.Providers.WhisperCpp
		opts := []whispercpp.Option{whispercpp.WithModel(wc.Model)}
		if wc.ServerExecutable != "" {
			opts = append(opts, whispercpp.WithServer(sup, wc.ServerExecutable))
		}
		if wc.CLIExecutable != "" {
			opts = append(opts, whispercpp.WithCLI(wc.CLIExecutable))
		}
		return whispercpp.New(opts...)
	})
}

// fallbackName returns the other built-in provider.
func fallbackName(primary string) string {
	if primary == "whispercpp" {
		return "openai"
	}
	return "whispercpp"
}

// newLogger builds the daemon's default slog logger for the given level.
func newLogger(level config.LogLevel, w io.Writer) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// sink delivers transcripts. The stdout mode writes directly; clipboard and
// paste are applied by the desktop agent, which reads the transcript from the
// session stop response, so those modes only log here.
type sink struct {
	out io.Writer
}

func newSink(out io.Writer) *sink {
	return &sink{out: out}
}

func (s *sink) Deliver(_ context.Context, text string, mode config.OutputMode) error {
	switch mode {
	case config.OutputStdout:
		_, err := fmt.Fprintln(s.out, text)
		return err
	default:
		slog.Debug("transcript handed to desktop agent", "mode", mode, "chars", len(text))
		return nil
	}
}

var _ app.Sink = (*sink)(nil)
