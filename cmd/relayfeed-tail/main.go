package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relayfeed/internal/config"
	"github.com/agentworkforce/relayfeed/internal/credential"
	"github.com/agentworkforce/relayfeed/internal/feedstate"
	"github.com/agentworkforce/relayfeed/internal/feedsync"
	"github.com/agentworkforce/relayfeed/internal/logger"
	"github.com/agentworkforce/relayfeed/internal/metrics"
	"github.com/agentworkforce/relayfeed/internal/pushws"
)

func main() {
	configPath := flag.String("config", os.Getenv("RELAYFEED_CONFIG"), "path to config file (optional)")
	userID := flag.String("user", "", "user id (overrides client.user_id)")
	markAll := flag.Bool("mark-all", false, "mark every notification read after the first page")
	once := flag.Bool("once", false, "load the first page, print it and exit")
	pages := flag.Int("pages", 1, "pages to load before following the stream")
	metricsAddr := flag.String("metrics-addr", "", "serve prometheus metrics on this address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if strings.TrimSpace(*userID) != "" {
		cfg.Client.UserID = strings.TrimSpace(*userID)
		cfg.Client.KeyringKey = "token:" + cfg.Client.UserID
	}
	log := logger.SetupDefault(os.Stderr, cfg.Client.LogLevel)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg.Client, log, options{markAll: *markAll, once: *once, pages: *pages, metricsAddr: *metricsAddr, out: os.Stdout}); err != nil {
		log.Error("relayfeed-tail failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type options struct {
	markAll     bool
	once        bool
	pages       int
	metricsAddr string
	out         io.Writer
}

func run(ctx context.Context, cfg config.ClientConfig, log *slog.Logger, opts options) error {
	if cfg.UserID == "" {
		return errors.New("user id is required (--user or RELAYFEED_CLIENT_USER_ID)")
	}
	tokens, fileSource, err := buildTokenProvider(cfg, log)
	if err != nil {
		return err
	}
	if fileSource != nil {
		go func() {
			if err := fileSource.Watch(ctx); err != nil && ctx.Err() == nil {
				log.Warn("token file watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	store, err := feedstate.Open(cfg.StateDSN)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	var stateStore feedsync.StateStore
	if store != nil {
		defer store.Close()
		stateStore = store
	}

	reg := prometheus.NewRegistry()
	recorder := metrics.NewCollector(reg)
	if opts.metricsAddr != "" {
		go serveMetrics(ctx, opts.metricsAddr, reg, log)
	}

	client := feedsync.NewHTTPClient(cfg.BaseURL, tokens, feedsync.HTTPClientOptions{
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	})
	dialer := pushws.NewDialer(cfg.StreamURL, pushws.DialerOptions{Logger: log})
	controller, err := feedsync.NewController(client, dialer, feedsync.Options{
		UserID:              cfg.UserID,
		Tokens:              tokens,
		PageSize:            cfg.PageSize,
		LedgerCapacity:      cfg.LedgerCapacity,
		ResetOnDisable:      cfg.ResetOnDisable,
		DegradedPlaceholder: cfg.DegradedPlaceholder,
		Store:               stateStore,
		Logger:              log,
		Recorder:            recorder,
	})
	if err != nil {
		return err
	}
	defer controller.Close()

	startCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	err = start(startCtx, controller, opts, log)
	cancel()
	if err != nil {
		return err
	}

	printer := newFeedPrinter(opts.out)
	printer.print(controller.Snapshot())
	if opts.once {
		return nil
	}
	return follow(ctx, controller, printer, cfg, log)
}

func start(ctx context.Context, controller *feedsync.Controller, opts options, log *slog.Logger) error {
	if err := controller.Enable(ctx); err != nil {
		return err
	}
	if err := controller.Open(ctx); err != nil {
		return err
	}
	for i := 1; i < opts.pages && controller.Snapshot().HasMore; i++ {
		if err := controller.LoadMore(ctx); err != nil {
			log.Warn("loading older page failed", slog.String("error", err.Error()))
			break
		}
	}
	if opts.markAll {
		if err := controller.MarkAll(ctx); err != nil {
			return fmt.Errorf("mark all read: %w", err)
		}
		log.Info("marked all notifications read")
	}
	return nil
}

func follow(ctx context.Context, controller *feedsync.Controller, printer *feedPrinter, cfg config.ClientConfig, log *slog.Logger) error {
	var resync <-chan time.Time
	var timer *time.Timer
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	if cfg.ResyncInterval > 0 {
		timer = time.NewTimer(jitteredIntervalWithSample(cfg.ResyncInterval, cfg.ResyncJitter, rng.Float64()))
		defer timer.Stop()
		resync = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Info("relayfeed-tail stopping", slog.String("reason", ctx.Err().Error()))
			return nil
		case <-controller.Changes():
			printer.print(controller.Snapshot())
		case <-resync:
			resyncCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			if err := controller.ResyncCounter(resyncCtx); err != nil {
				log.Warn("unread counter resync failed", slog.String("error", err.Error()))
			}
			cancel()
			timer.Reset(jitteredIntervalWithSample(cfg.ResyncInterval, cfg.ResyncJitter, rng.Float64()))
		}
	}
}

// buildTokenProvider chains the explicit token and the token file. The
// keyring is only opened when neither is configured.
func buildTokenProvider(cfg config.ClientConfig, log *slog.Logger) (feedsync.TokenProvider, *credential.FileSource, error) {
	var chain credential.Chain
	if cfg.Token != "" {
		chain = append(chain, credential.Static(cfg.Token))
	}
	var fileSource *credential.FileSource
	if strings.TrimSpace(cfg.TokenFile) != "" {
		fileSource = credential.NewFileSource(cfg.TokenFile, log)
		chain = append(chain, fileSource)
	}
	if cfg.KeyringKey != "" && cfg.KeyringService != "" && len(chain) == 0 {
		ring, err := credential.OpenKeyring(cfg.KeyringService)
		if err != nil {
			log.Warn("keyring unavailable", slog.String("error", err.Error()))
		} else {
			chain = append(chain, credential.NewKeyringSource(ring, cfg.KeyringKey))
		}
	}
	if len(chain) == 0 {
		return nil, nil, errors.New("no credential source configured (client.token, client.token_file or keyring)")
	}
	return chain, fileSource, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics server failed", slog.String("error", err.Error()))
	}
}
