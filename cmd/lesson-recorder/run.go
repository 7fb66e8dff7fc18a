package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breeze-rmm/recorder/internal/broadcast"
	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/config"
	"github.com/breeze-rmm/recorder/internal/encoder"
	"github.com/breeze-rmm/recorder/internal/guard"
	"github.com/breeze-rmm/recorder/internal/health"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/media"
	"github.com/breeze-rmm/recorder/internal/server"
	"github.com/breeze-rmm/recorder/internal/uploads"
)

var log = logging.L("main")

const (
	shutdownTimeout    = 15 * time.Second
	finalizeTimeout    = 30 * time.Second
	forcedDrainTimeout = 5 * time.Second
)

func runRecorder() {
	cfg := loadConfig()
	closeLog := initLogging(cfg)
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting lesson recorder", "version", version, "source", cfg.Source, "store", cfg.Store.Kind)

	mon := health.NewMonitor()
	store, err := uploads.NewStore(ctx, cfg.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure %s store: %v\n", cfg.Store.Kind, err)
		os.Exit(1)
	}
	mon.Update(health.ComponentStore, health.Healthy, store.Name())

	queue := uploads.NewQueue(store, queueOptions(cfg))

	g := guard.New()
	guardSnaps, unsubscribeGuard := queue.Subscribe()
	defer unsubscribeGuard()
	go g.Watch(ctx, guardSnaps)

	hub := broadcast.NewHub()
	go hub.Run(ctx, queue)
	go watchStoreHealth(ctx, mon, queue, store.Name())

	encoder.RegisterFactory(encoder.NewFFmpegFactory(cfg.FFmpegPath))
	pipeline, err := capture.New(capture.Options{
		Provider:   newProvider(cfg),
		Uploader:   queue,
		Notifier:   hub,
		Health:     mon,
		Display:    displayConstraints(cfg),
		SampleRate: cfg.SampleRate,
		Profiles:   parseProfiles(cfg.Profiles),
		Timeslice:  time.Duration(cfg.TimesliceMs) * time.Millisecond,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create capture pipeline: %v\n", err)
		os.Exit(1)
	}
	pipeline.SetSession(sessionInfo(cfg))

	api := server.New(server.Deps{
		Recorder: pipeline,
		Queue:    queue,
		Guard:    g,
		Health:   mon,
		Updates:  hub,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		log.Info("control surface listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control surface failed", logging.KeyError, err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("control surface shutdown", logging.KeyError, err)
		_ = httpSrv.Close()
	}
	shutdownCancel()

	// An active recording is finalized and handed off before deciding
	// whether uploads hold the exit.
	finalizeCtx, finalizeCancel := context.WithTimeout(context.Background(), finalizeTimeout)
	if err := pipeline.Close(finalizeCtx); err != nil {
		log.Warn("recording finalize on shutdown", logging.KeyError, err)
	}
	finalizeCancel()

	g.Update(queue.ActiveCount())
	forced := g.ConfirmShutdown(context.Background(), sigCh)

	drain := time.Duration(cfg.Store.TimeoutSeconds) * time.Second
	if drain <= 0 {
		drain = uploads.DefaultTimeout
	}
	if forced {
		drain = forcedDrainTimeout
	}
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drain)
	if err := queue.Close(drainCtx); err != nil {
		log.Warn("upload queue closed with transfers outstanding", logging.KeyError, err)
	}
	drainCancel()

	cancel()
	if c, ok := store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("close store", logging.KeyError, err)
		}
	}
	log.Info("lesson recorder stopped")
}

func queueOptions(cfg *config.Config) uploads.Options {
	return uploads.Options{
		DoneLinger:  time.Duration(cfg.DoneLingerSeconds) * time.Second,
		ErrorLinger: time.Duration(cfg.ErrorLingerSeconds) * time.Second,
		Timeout:     time.Duration(cfg.Store.TimeoutSeconds) * time.Second,
	}
}

func newProvider(cfg *config.Config) media.Provider {
	if cfg.Source == config.SourceSynthetic {
		return media.NewSyntheticProvider()
	}
	return &media.FFmpegProvider{
		Path:              cfg.FFmpegPath,
		DisplayFormat:     cfg.DisplayInputFormat,
		DisplayInput:      cfg.DisplayInput,
		SystemAudioFormat: cfg.SystemAudioInputFormat,
		SystemAudioInput:  cfg.SystemAudioInput,
		MicFormat:         cfg.MicInputFormat,
		MicInput:          cfg.MicInput,
	}
}

func displayConstraints(cfg *config.Config) media.DisplayConstraints {
	return media.DisplayConstraints{
		Width:       cfg.VideoWidth,
		Height:      cfg.VideoHeight,
		FPS:         cfg.VideoFPS,
		SystemAudio: cfg.SystemAudioInputFormat != "",
		SampleRate:  cfg.SampleRate,
	}
}

// parseProfiles drops entries that do not parse; validation already
// warned about them.
func parseProfiles(raw []string) []encoder.Profile {
	out := make([]encoder.Profile, 0, len(raw))
	for _, s := range raw {
		p, err := encoder.ParseProfile(s)
		if err != nil {
			log.Warn("ignoring profile", logging.KeyError, err)
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return encoder.DefaultProfiles
	}
	return out
}

func sessionInfo(cfg *config.Config) capture.SessionInfo {
	return capture.SessionInfo{
		HostName:    cfg.HostName,
		HostEmail:   cfg.HostEmail,
		Role:        cfg.Role,
		RoomID:      cfg.RoomID,
		Counterpart: cfg.Counterpart,
	}
}

// watchStoreHealth reports the store as degraded while the most recent
// settled transfer failed.
func watchStoreHealth(ctx context.Context, mon *health.Monitor, q *uploads.Queue, name string) {
	snaps, unsubscribe := q.Subscribe()
	defer unsubscribe()
	seen := make(map[uploads.TaskID]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case tasks := <-snaps:
			for _, t := range tasks {
				if !t.Status.Terminal() || seen[t.ID] {
					continue
				}
				seen[t.ID] = true
				if t.Status == uploads.StatusError {
					mon.Update(health.ComponentStore, health.Degraded, fmt.Sprintf("%s: upload of %s failed", name, t.Filename))
				} else {
					mon.Update(health.ComponentStore, health.Healthy, name)
				}
			}
			for id := range seen {
				if !containsTask(tasks, id) {
					delete(seen, id)
				}
			}
		}
	}
}

func containsTask(tasks []uploads.Task, id uploads.TaskID) bool {
	for _, t := range tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}
