package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"
	"surveyrelay/internal/announce"
	"surveyrelay/internal/api"
	"surveyrelay/internal/auth"
	"surveyrelay/internal/config"
	"surveyrelay/internal/connection"
	"surveyrelay/internal/dispatch"
	"surveyrelay/internal/logging"
	"surveyrelay/internal/progress"
	"surveyrelay/internal/roster"
	"surveyrelay/internal/settings"
	"surveyrelay/internal/store"
	"surveyrelay/pkg/interfaces"
)

const historySize = 200

var (
	_ interfaces.SettingsReader    = (*settings.Reader)(nil)
	_ interfaces.ChannelAuthorizer = (*auth.Authorizer)(nil)
	_ interfaces.IdentityResolver  = (*roster.Roster)(nil)
	_ interfaces.AnnouncementSink  = announce.Multi(nil)
	_ interfaces.AnnouncementSink  = (*announce.Feed)(nil)
	_ api.Connector                = (*connection.Manager)(nil)
	_ api.Tracker                  = (*progress.Tracker)(nil)
	_ connection.Binder            = (*dispatch.Dispatcher)(nil)
)

// Application owns every component. There are no package-level
// singletons; tests build as many applications as they need.
type Application struct {
	config     *config.Config
	store      interfaces.Store
	history    *announce.History
	feed       *announce.Feed
	tracker    *progress.Tracker
	dispatcher *dispatch.Dispatcher
	manager    *connection.Manager
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// NewApplication builds the component graph in dependency order:
// store, settings, sinks, tracker, dispatcher, authorizer, manager, API.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	reader := settings.NewReader(st, cfg)

	history := announce.NewHistory(historySize)
	feed := announce.NewFeed()
	sink := announce.Multi{announce.NewLogSink(), history, feed}

	tracker := progress.NewTracker(st, sink, roster.New(cfg.Roster), progress.Options{
		Role:                cfg.Survey.Role,
		CountDistinctOwners: cfg.Survey.CountDistinctOwners,
	})

	dispatcher := dispatch.New(sink)
	dispatcher.OnCompletion(tracker.OnCompletionEvent)

	authorizer := auth.NewAuthorizer(reader, cfg.Auth.Timeout)
	manager := connection.NewManager(reader, authorizer, dispatcher, sink, connection.Options{
		Host:             cfg.Pusher.Host,
		Insecure:         cfg.Pusher.Insecure,
		ActivityTimeout:  cfg.Pusher.ActivityTimeout,
		PongTimeout:      cfg.Pusher.PongTimeout,
		HandshakeTimeout: cfg.Pusher.HandshakeTimeout,
	})

	apiServer := api.NewServer(manager, tracker, st, history, feed, api.WithOperatorToken(cfg.HTTP.OperatorToken))

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Host, fmt.Sprint(cfg.HTTP.Port)),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      st,
		history:    history,
		feed:       feed,
		tracker:    tracker,
		dispatcher: dispatcher,
		manager:    manager,
		apiServer:  apiServer,
		httpServer: httpServer,
		logger:     logging.WithComponent("app"),
	}, nil
}

// Start validates stored progress, starts the feed and HTTP server, then
// connects when settings allow. A relay without credentials still
// serves its API.
func (app *Application) Start(ctx context.Context) error {
	if err := app.tracker.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover survey progress: %w", err)
	}

	if err := app.feed.Start(ctx); err != nil {
		return fmt.Errorf("failed to start announcement feed: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.feed.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	app.logger.Info().Str("addr", listener.Addr().String()).Msg("Survey relay listening")

	if !app.manager.Connect(ctx) {
		app.logger.Info().Msg("Survey connection inactive until configured")
	}
	return nil
}

// Stop shuts down in reverse order: transport, HTTP, feed, store.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("Shutting down survey relay")

	app.manager.Disconnect()

	if app.listener != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			app.logger.Warn().Err(err).Msg("HTTP server shutdown error")
		}
	}

	if err := app.feed.Stop(); err != nil && !errors.Is(err, announce.ErrFeedNotRunning) {
		app.logger.Warn().Err(err).Msg("Feed shutdown error")
	}

	if err := app.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	app.logger.Info().Msg("Survey relay shutdown complete")
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Manager exposes the connection manager for embedding hosts.
func (app *Application) Manager() *connection.Manager {
	return app.manager
}

// Tracker exposes the progress tracker for embedding hosts.
func (app *Application) Tracker() *progress.Tracker {
	return app.tracker
}
