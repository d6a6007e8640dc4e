package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/visionvm/sensor/internal/browser"
	"github.com/visionvm/sensor/internal/capture"
	"github.com/visionvm/sensor/internal/config"
	"github.com/visionvm/sensor/internal/control"
	"github.com/visionvm/sensor/internal/lifecycle"
	"github.com/visionvm/sensor/internal/recovery"
	"github.com/visionvm/sensor/internal/state"
	"github.com/visionvm/sensor/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	// Heal whatever a crashed prior run left behind before touching the
	// display or the browser profile.
	heal := recovery.NewRunner("", cfg.ProfileDir, cfg.Display, logger)
	heal.Run()

	bounds, err := capture.ProbeDisplay(cfg.Display)
	if err != nil {
		logger.Fatal("capture source unavailable", zap.Error(err))
	}
	if bounds.Dx() != cfg.DisplayWidth || bounds.Dy() != cfg.DisplayHeight {
		logger.Warn("display geometry differs from configuration",
			zap.Int("probed_width", bounds.Dx()), zap.Int("probed_height", bounds.Dy()),
			zap.Int("configured_width", cfg.DisplayWidth), zap.Int("configured_height", cfg.DisplayHeight))
	}
	logger.Info("display probed",
		zap.String("display", cfg.Display),
		zap.Int("width", bounds.Dx()), zap.Int("height", bounds.Dy()),
		zap.Int("depth", cfg.DisplayDepth))

	store := state.NewStore(bounds.Dx(), bounds.Dy())

	broadcaster := stream.NewServer(cfg.StreamAddr, store, stream.Options{
		QueueCap:      cfg.QueueCap,
		OverflowLimit: cfg.OverflowLimit,
	}, logger)
	if err := broadcaster.Listen(); err != nil {
		logger.Fatal("stream bind failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := browser.NewCDPController(cfg.CDPHost, cfg.CDPPort, logger)
	fsm := lifecycle.New(ctx, store, ctrl, cfg.EndEpsilon, logger)
	defer fsm.Close()

	loop := capture.NewLoop(capture.X11Grabber{}, store, broadcaster,
		cfg.CaptureInterval, cfg.BackoffMax, cfg.FailureCeiling, logger)

	api := control.NewAPI(store, ctrl, fsm, logger)
	controlSrv := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           control.SetupRoutes(api),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return broadcaster.Run(ctx) })
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error {
		logger.Info("control api listening", zap.String("addr", cfg.ControlAddr))
		if err := controlSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return controlSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Teardown pass: leave the profile in a state the next run can use
	// without repair.
	heal.Run()

	if err != nil {
		logger.Fatal("sensor terminated", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		log.Fatal(err)
	}
	return logger
}
