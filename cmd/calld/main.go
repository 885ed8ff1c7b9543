// Command calld runs the call daemon for one user: it watches the
// signaling feed for incoming calls, drives peer connections, archives
// remote media, and exposes the local HTTP control API a client UI
// talks to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/api"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/callstore"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/crypto"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/directory"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/identity"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/mesh"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/push"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/recording"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/rtc"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/session"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/signal"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/turncreds"
)

// Application holds every long-lived component of the daemon.
type Application struct {
	cfg      *config.Config
	log      calllog.Logger
	store    callstore.Store
	feed     signal.Feed
	relay    *turncreds.RelayServer
	sessions *session.Manager
	archiver *recording.Archiver
	api      *api.Server
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	flag.StringVar(&cfg.API.ListenAddr, "api", cfg.API.ListenAddr, "control API listen address")
	flag.StringVar(&cfg.Signaling.Backend, "signaling", cfg.Signaling.Backend, "signaling backend (memory, redis, websocket)")
	flag.Parse()

	logger, err := calllog.NewLogger(cfg.LogMode)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	calllog.ReplaceGlobal(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	defer app.Cleanup()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	<-ctx.Done()
	app.log.Info("shutdown signal received")
}

// NewApplication wires the component graph from the configuration. The
// context bounds startup work only (connection pings, credential setup).
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	logger := calllog.L().Named("calld")

	self, err := resolveIdentity(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	// The memory backend is the single-process development mode; the
	// shared backends require the shared row store.
	var (
		store callstore.Store
		db    *sqlx.DB
	)
	if cfg.Signaling.Backend == "memory" {
		store = callstore.NewMemoryStore()
	} else {
		pg, err := callstore.NewPostgresStore(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect call store: %w", err)
		}
		store = pg
		db = pg.DB()
	}

	feed, err := buildFeed(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect signaling feed: %w", err)
	}

	dir, err := buildDirectory(cfg, db, self)
	if err != nil {
		return nil, fmt.Errorf("build directory: %w", err)
	}

	dispatcher, err := buildPush(ctx, cfg, db, logger)
	if err != nil {
		return nil, fmt.Errorf("build push dispatcher: %w", err)
	}

	ice := turncreds.NewCachingProvider(cfg.ICE, buildCredentialSource(cfg, self))

	var relay *turncreds.RelayServer
	if cfg.Relay.Enabled {
		relay = turncreds.NewRelayServer(cfg.Relay, cfg.ICE.SharedSecret)
	}

	engine := media.NewCaptureEngine(cfg.Media)
	audio := media.AudioProcessing{
		EchoCancellation: cfg.Media.EchoCancellation,
		NoiseSuppression: cfg.Media.NoiseSuppression,
		AutoGainControl:  cfg.Media.AutoGainControl,
	}

	deps := session.Deps{
		Store:     store,
		Feed:      feed,
		Media:     engine,
		Peers:     &rtc.PionFactory{Media: engine, NAT1To1IP: cfg.ICE.NAT1To1IP},
		ICE:       ice,
		Push:      dispatcher,
		Directory: dir,
		Self:      self,
		Audio:     audio,
		Quality:   cfg.Quality,
	}

	groups := mesh.Deps{
		Store:     deps.Store,
		Feed:      deps.Feed,
		Media:     deps.Media,
		Peers:     deps.Peers,
		ICE:       deps.ICE,
		Push:      deps.Push,
		Directory: deps.Directory,
		Self:      deps.Self,
		Audio:     deps.Audio,
		Quality:   deps.Quality,
		Calls:     cfg.Calls,
	}

	sessions := session.NewManager(deps)

	return &Application{
		cfg:      cfg,
		log:      logger,
		store:    store,
		feed:     feed,
		relay:    relay,
		sessions: sessions,
		archiver: recording.NewArchiver(cfg.Recording),
		api:      api.NewServer(cfg.API, sessions, groups),
	}, nil
}

// Start brings up the background work: the optional TURN relay, the
// incoming-call watcher, the recording consumer, and the control API.
func (app *Application) Start(ctx context.Context) error {
	if app.relay != nil {
		if err := app.relay.Start(ctx); err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
	}

	if err := app.sessions.Watch(ctx); err != nil {
		return fmt.Errorf("watch incoming calls: %w", err)
	}

	go app.archiveLoop(ctx)

	app.api.StartInBackground()

	app.log.Info("calld running",
		calllog.String("user", app.cfg.User.ID),
		calllog.String("signaling", app.cfg.Signaling.Backend),
		calllog.String("api", app.cfg.API.ListenAddr),
		calllog.Bool("recording", app.archiver.Enabled()))
	return nil
}

// archiveLoop consumes session updates and feeds remote tracks of active
// calls into the recording archiver. It is the daemon-side consumer of
// the updates channel; a client UI attaches through the control API.
func (app *Application) archiveLoop(ctx context.Context) {
	recs := make(map[string]*recording.Session)
	defer func() {
		for _, rec := range recs {
			if err := rec.Close(); err != nil {
				app.log.Warn("close recording", calllog.Error(err))
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-app.sessions.Updates():
			switch u.Kind {
			case session.UpdateState:
				switch u.State {
				case session.StateActive:
					if !app.archiver.Enabled() {
						continue
					}
					if _, ok := recs[u.CallID]; ok {
						continue
					}
					rec, err := app.archiver.Begin(u.CallID, u.CallType == callstore.CallTypeVideo)
					if err != nil {
						if !errors.Is(err, recording.ErrDisabled) {
							app.log.Warn("begin recording", calllog.String("call_id", u.CallID), calllog.Error(err))
						}
						continue
					}
					recs[u.CallID] = rec
				case session.StateEnded:
					if rec, ok := recs[u.CallID]; ok {
						delete(recs, u.CallID)
						if err := rec.Close(); err != nil {
							app.log.Warn("close recording", calllog.String("call_id", u.CallID), calllog.Error(err))
						}
					}
				}
			case session.UpdateRemoteTrack:
				if rec, ok := recs[u.CallID]; ok && u.Track != nil {
					rec.HandleTrack(u.Track)
				}
			}
		}
	}
}

// Cleanup tears the daemon down in dependency order: stop accepting API
// work, end live sessions, then close transports and stores.
func (app *Application) Cleanup() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.api.Shutdown(shutdownCtx); err != nil {
		app.log.Warn("api shutdown", calllog.Error(err))
	}
	if err := app.sessions.Close(); err != nil {
		app.log.Warn("close sessions", calllog.Error(err))
	}
	if app.relay != nil {
		if err := app.relay.Stop(); err != nil {
			app.log.Warn("stop relay", calllog.Error(err))
		}
	}
	if err := app.feed.Close(); err != nil {
		app.log.Warn("close feed", calllog.Error(err))
	}
	if err := app.store.Close(); err != nil {
		app.log.Warn("close store", calllog.Error(err))
	}
	app.log.Info("calld stopped")
}

func resolveIdentity(ctx context.Context, cfg *config.Config) (identity.Identity, error) {
	var provider identity.Provider
	if cfg.User.AuthToken != "" {
		p, err := identity.NewTokenProvider(cfg.User.AuthToken, cfg.User.JWTSecret)
		if err != nil {
			return identity.Identity{}, err
		}
		provider = p
	} else {
		p, err := identity.NewStaticProvider(cfg.User.ID, cfg.User.DisplayName)
		if err != nil {
			return identity.Identity{}, err
		}
		provider = p
	}
	return provider.Current(ctx)
}

func buildFeed(cfg *config.Config) (signal.Feed, error) {
	switch cfg.Signaling.Backend {
	case "redis":
		return signal.NewRedisFeed(cfg.Redis, cfg.Signaling.SubscribeBuffer)
	case "websocket":
		return signal.NewWebSocketFeed(cfg.Signaling.WebSocketURL, cfg.Signaling.SubscribeBuffer)
	default:
		return signal.NewMemoryFeed(cfg.Signaling.SubscribeBuffer), nil
	}
}

func buildDirectory(cfg *config.Config, db *sqlx.DB, self identity.Identity) (directory.Directory, error) {
	if db == nil {
		return directory.NewStaticDirectory(directory.Profile{
			UserID:      self.UserID,
			DisplayName: self.DisplayName,
		}), nil
	}
	inner, err := directory.NewPostgresDirectory(db, cfg.Directory)
	if err != nil {
		return nil, err
	}
	return directory.NewCachedDirectory(inner, cfg.Directory.CacheTTL), nil
}

func buildPush(ctx context.Context, cfg *config.Config, db *sqlx.DB, logger calllog.Logger) (push.Dispatcher, error) {
	if !cfg.Push.Enabled {
		return push.NoopDispatcher{}, nil
	}
	if db == nil {
		logger.Warn("push enabled without the shared row store; notifications will only be logged")
		return push.LogDispatcher{Logger: logger.Named("push")}, nil
	}
	if cfg.Push.TokenSealKey == "" {
		return nil, errors.New("push enabled but CALLD_PUSH_TOKEN_KEY is not set")
	}
	sealer, err := crypto.NewSealer(cfg.Push.TokenSealKey)
	if err != nil {
		return nil, fmt.Errorf("build token sealer: %w", err)
	}
	tokens, err := push.NewTokenStore(db, sealer)
	if err != nil {
		return nil, fmt.Errorf("build token store: %w", err)
	}
	return push.NewFCMDispatcher(ctx, cfg.Push, tokens)
}

func buildCredentialSource(cfg *config.Config, self identity.Identity) turncreds.CredentialSource {
	switch {
	case cfg.ICE.CredentialURL != "":
		return turncreds.NewHTTPSource(cfg.ICE.CredentialURL, cfg.ICE.FetchTimeout)
	case cfg.ICE.SharedSecret != "":
		return turncreds.NewHMACSource(cfg.ICE.SharedSecret, self.UserID, cfg.ICE.CredentialTTL)
	default:
		return nil
	}
}
