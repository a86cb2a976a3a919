package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"iptv-relay/internal/catalog"
	"iptv-relay/internal/encoder"
	"iptv-relay/internal/platform/config"
	"iptv-relay/internal/platform/httpmw"
	"iptv-relay/internal/platform/logger"
	"iptv-relay/internal/platform/metrics"
	"iptv-relay/internal/proxy"
	"iptv-relay/internal/relay"
	"iptv-relay/internal/stream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, session manager and proxy",
	RunE:  runServe,
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("port", "", "HTTP listen port (overrides PORT)")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
}

// loadConfig reads the env file and environment, then applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if err := config.Load(envFile); err != nil {
		// A missing default .env is fine; a missing explicit one is not.
		explicit := cmd.Flags().Lookup("env-file")
		if !errors.Is(err, fs.ErrNotExist) || (explicit != nil && explicit.Changed) {
			return config.Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	cfg := config.FromEnv()
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		cfg.Port = f.Value.String()
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.LogLevel = f.Value.String()
	}
	return cfg, nil
}

// loadCatalog merges the YAML channel file and the M3U playlist, if configured.
func loadCatalog(cfg config.Config) (*catalog.Catalog, error) {
	cat := catalog.New()
	if cfg.ChannelsFile != "" {
		chans, err := catalog.LoadYAML(cfg.ChannelsFile)
		if err != nil {
			return nil, err
		}
		cat.Merge(chans)
	}
	if cfg.ChannelsM3U != "" {
		chans, err := catalog.LoadM3U(cfg.ChannelsM3U)
		if err != nil {
			return nil, err
		}
		cat.Merge(chans)
	}
	return cat, nil
}

// app holds everything the router serves.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	catalog *catalog.Catalog
	manager *stream.Manager
	proxy   *proxy.Proxy
}

func newApp(cfg config.Config, log *slog.Logger, cat *catalog.Catalog) *app {
	met := metrics.New()

	encOpts := encoder.Options{
		Path:         cfg.Encoder.Path,
		VideoCodec:   cfg.Encoder.VideoCodec,
		VideoBitrate: cfg.Encoder.VideoBitrate,
		AudioCodec:   cfg.Encoder.AudioCodec,
		AudioBitrate: cfg.Encoder.AudioBitrate,
		Width:        cfg.Encoder.Width,
		Height:       cfg.Encoder.Height,
		FrameRate:    cfg.Encoder.FrameRate,
		SampleRate:   cfg.Encoder.SampleRate,
		StopGrace:    cfg.Encoder.StopGrace,
	}
	relayOpts := relay.Options{
		Width:     cfg.Encoder.Width,
		Height:    cfg.Encoder.Height,
		Bitrate:   cfg.Relay.Bitrate,
		Tick:      cfg.Relay.Tick,
		MaxBuffer: cfg.Relay.MaxBuffer,
	}

	newEncoder := func(src string) stream.Encoder {
		return encoder.New(src, encOpts, log.With(slog.String("component", "encoder")))
	}
	newRelay := func() stream.Relay {
		return relay.New(relayOpts, log.With(slog.String("component", "relay")), met)
	}
	ports := relay.NewPortPool("", cfg.Relay.BasePort, cfg.Relay.PortRange)

	mgr := stream.NewManager(stream.Options{
		PublicHost:   cfg.Relay.PublicHost,
		IdleTimeout:  cfg.Session.IdleTimeout,
		ReapInterval: cfg.Session.ReapInterval,
	}, cat, newEncoder, newRelay, ports, log, met)

	px := proxy.New(proxy.Options{
		Prefix:               proxy.DefaultPrefix,
		Timeout:              cfg.Proxy.Timeout,
		ManifestMaxRedirects: cfg.Proxy.ManifestMaxRedirects,
		VideoMaxRedirects:    cfg.Proxy.VideoMaxRedirects,
		UserAgent:            cfg.Proxy.UserAgent,
	}, log, met)

	return &app{cfg: cfg, log: log, metrics: met, catalog: cat, manager: mgr, proxy: px}
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(a.log))
	r.Use(metrics.RequestMiddleware(a.metrics))
	r.Use(httpmw.CORS(a.cfg.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","timestamp":%q}`+"\n", time.Now().UTC().Format(time.RFC3339))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		a.metrics.Handler(func() {
			sessions, sockets := a.manager.Stats()
			a.metrics.SetActiveSessions(sessions)
			a.metrics.SetAttachedViewers(sockets)
		}).ServeHTTP(w, r)
	})

	r.Route("/api/channels", catalog.NewHandler(a.catalog).Routes)
	r.Route(proxy.DefaultPrefix, func(r chi.Router) {
		stream.NewHandler(a.manager, a.log).Routes(r)
		r.Group(func(r chi.Router) {
			r.Use(httpmw.RateLimit(a.cfg.Proxy.RateLimit, time.Minute))
			a.proxy.Routes(r)
		})
	})
	return r
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	cat, err := loadCatalog(cfg)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}

	a := newApp(cfg, log, cat)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("server starting",
		slog.String("port", cfg.Port),
		slog.Int("channels", cat.Len()),
		slog.Int("ws_base_port", cfg.Relay.BasePort),
		slog.String("ws_public_host", cfg.Relay.PublicHost),
		slog.String("log_level", cfg.LogLevel),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.manager.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := a.manager.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", slog.String("error", err.Error()))
		return err
	}
	log.Info("server stopped")
	return nil
}
