package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/VoiceCall/internal/adapters/http"
	"github.com/dkeye/VoiceCall/internal/adapters/rtc"
	sig "github.com/dkeye/VoiceCall/internal/adapters/signal"
	"github.com/dkeye/VoiceCall/internal/adapters/store"
	"github.com/dkeye/VoiceCall/internal/app/events"
	"github.com/dkeye/VoiceCall/internal/app/ice"
	"github.com/dkeye/VoiceCall/internal/app/orch"
	"github.com/dkeye/VoiceCall/internal/app/syncer"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Str("module", "main").Msg("failed to load config")
	}
	config.SetupLogging(cfg)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Str("module", "main").Msg("calld stopped")
	}
	log.Info().Str("module", "main").Msg("calld exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	self, err := localUser(cfg.Signal)
	if err != nil {
		return err
	}

	snapshots, closeStore, err := openStore(ctx, cfg.Store, self.ID)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := rtc.NewEngine(cfg.Signal.ICEServers)
	if err != nil {
		return err
	}
	devices := rtc.NewDevices(rtc.DeviceOptions{
		AudioIngest: cfg.Media.AudioIngest,
		VideoIngest: cfg.Media.VideoIngest,
		AudioRender: cfg.Media.AudioRender,
		VideoRender: cfg.Media.VideoRender,
	})
	if err := devices.Start(ctx); err != nil {
		return err
	}
	defer devices.Close()

	client := sig.NewClient(sig.ClientOptions{
		URL:        cfg.Signal.URL,
		User:       self,
		MinBackoff: cfg.Signal.MinBackoff,
		MaxBackoff: cfg.Signal.MaxBackoff,
		PingPeriod: cfg.PingPeriod,
	})

	bus := events.NewBus(events.DefaultBuffer)
	defer bus.Close()

	machine, err := orch.New(self, orch.Deps{
		Signal:  client,
		Engine:  engine,
		Devices: devices,
		Store:   snapshots,
		Bus:     bus,
	}, machineOptions(cfg))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Control.Addr,
		Handler: router.SetupControlRouter(ctx, cfg.Mode, machine, bus),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return machine.Run(gctx) })
	g.Go(func() error { return client.Run(gctx, machine) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-client.Ready():
		}
		resumed, err := machine.Restore(gctx)
		if err != nil {
			log.Error().Err(err).Str("module", "main").Msg("restore failed")
			return nil
		}
		log.Info().Str("module", "main").Bool("resumed", resumed).Msg("restore checked")
		return nil
	})
	g.Go(func() error {
		log.Info().Str("module", "main").Str("addr", srv.Addr).Str("user", string(self.ID)).Msg("calld control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("module", "main").Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func localUser(cfg config.SignalConfig) (domain.User, error) {
	id := domain.UserID(cfg.UserID)
	if id == "" {
		id = domain.UserID(uuid.NewString())
		log.Warn().Str("module", "main").Str("user", string(id)).Msg("no signal.user_id configured, using a random one")
	}
	name := cfg.Username
	if name == "" {
		name = "guest"
	}
	u, err := domain.NewUserWithID(id, name)
	if err != nil {
		return domain.User{}, err
	}
	return *u, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, user domain.UserID) (core.SnapshotStore, func(), error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "redis":
		rdb, err := store.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewRedis(rdb, cfg.Redis, user)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return s, func() { _ = rdb.Close() }, nil
	default:
		s, err := store.NewFile(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

func machineOptions(cfg *config.Config) orch.Options {
	return orch.Options{
		AnswerTimeout:       cfg.Call.AnswerTimeout,
		RingTimeout:         cfg.Call.RingTimeout,
		ConnectingTimeout:   cfg.Call.ConnectingTimeout,
		ReconnectTimeout:    cfg.Call.ReconnectTimeout,
		EndGrace:            cfg.Call.EndGrace,
		CandidateAckTimeout: cfg.Call.CandidateAckTimeout,
		CandidateRetries:    cfg.Call.CandidateRetries,
		RestoreWindow:       cfg.Call.RestoreWindow,
		Tick:                cfg.Call.DurationTick,
		Gather: ice.Budget{
			Interval: cfg.Gather.Interval,
			Floor:    cfg.Gather.Floor,
			Ceiling:  cfg.Gather.Ceiling,
		},
		Sync: syncer.Config{
			Interval:    cfg.Sync.Interval,
			MaxFailures: cfg.Sync.MaxFailures,
			Backoff:     cfg.Sync.Backoff,
		},
	}
}
