// Package app wires the chatsync client runtime: config, logging, the
// credential store, the realtime channel, the reconciler and the optional
// loopback HTTP surface.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"chatsync/cmd/internal/api"
	"chatsync/cmd/internal/chatstore"
	"chatsync/cmd/internal/credstore"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/notify"
	"chatsync/cmd/internal/realtime"
	"chatsync/cmd/internal/reconcile"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App owns every long-lived dependency of the client.
type App struct {
	cfg Config
	log Logger

	metrics *metrics.Metrics
	creds   credstore.Store
	dbPool  *pgxpool.Pool

	manager *realtime.Manager
	engine  *reconcile.Reconciler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	m := metrics.New()

	creds, pool, err := newCredStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	closeOnErr := func() {
		_ = creds.Close()
		if pool != nil {
			pool.Close()
		}
	}

	tokens := credstore.NewTokenSource(creds, credstore.DefaultTokenTTL)
	if cfg.AuthToken != "" {
		if err := tokens.Save(ctx, cfg.AuthToken); err != nil {
			closeOnErr()
			return nil, err
		}
	}

	client, err := api.New(api.Options{
		BaseURL: cfg.APIURL,
		Timeout: cfg.HTTPTimeout,
		Tokens:  tokens,
		Metrics: m,
		Log:     log,
	})
	if err != nil {
		closeOnErr()
		return nil, err
	}

	dialer := &realtime.WSDialer{
		URL:         cfg.WSURL,
		Origin:      cfg.WSOrigin,
		Token:       tokens.Token,
		DialTimeout: cfg.WSDialTimeout,
	}
	manager := realtime.NewManager(log, dialer, realtime.ManagerOptions{
		WriteTimeout:      cfg.WSWriteTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		RateEvents:        cfg.RateEvents,
		RateWindow:        cfg.RateWindow,
		Metrics:           m,
	})
	registry := realtime.NewRegistry(log, manager, m)

	notifier, err := notify.Parse(cfg.Notify, log, os.Stderr)
	if err != nil {
		closeOnErr()
		return nil, err
	}

	engine := reconcile.New(reconcile.Deps{
		Log:      log,
		Store:    chatstore.New(""),
		Channel:  manager,
		Events:   registry,
		Backend:  client,
		Tokens:   tokens,
		Notifier: notifier,
		Metrics:  m,
	}, reconcile.Options{
		StubConversations: cfg.StubConversations,
		Username:          cfg.Username,
		Password:          cfg.Password,
		TypingIdle:        cfg.TypingIdle,
	})

	return &App{
		cfg:     cfg,
		log:     log,
		metrics: m,
		creds:   creds,
		dbPool:  pool,
		manager: manager,
		engine:  engine,
	}, nil
}

// Run bootstraps the session, serves the loopback API and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	go a.drainFaults(ctx)

	if err := a.engine.Bootstrap(ctx); err != nil {
		a.log.Error("app.bootstrap.fail", "err", err)
		return err
	}
	a.log.Info("app.ready",
		"user_id", a.engine.Store().LocalUser(),
		"conversations", len(a.engine.Store().Conversations()),
	)

	if a.cfg.ListenAddr == "" {
		<-ctx.Done()
		a.log.Info("app.stop", "reason", "context_done")
		return nil
	}

	srv := newHTTPServer(a.cfg.ListenAddr, newRouter(a.log, a.cfg, a.engine, a.metrics.Handler()), a.cfg.ReadHeaderTimeout)
	a.log.Info("server.start", "addr", a.cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// drainFaults surfaces reconciler faults in the log until ctx is done.
func (a *App) drainFaults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-a.engine.Faults():
			a.log.Warn("sync.fault",
				"op", f.Op,
				"conversation_id", f.ConversationID,
				"at", f.At,
				"err", f.Err,
			)
		}
	}
}

func (a *App) close() {
	a.engine.Close()
	a.manager.Disconnect()
	if err := a.creds.Close(); err != nil {
		a.log.Error("credstore.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}
