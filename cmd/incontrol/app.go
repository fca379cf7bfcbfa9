package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"incontrol/internal/config"
	"incontrol/internal/metrics"
	"incontrol/internal/profile"
	"incontrol/internal/publish"
	"incontrol/internal/realtime"
	"incontrol/internal/session"
	"incontrol/internal/storage/jsonfile"
	"incontrol/internal/storage/sqlite"
	"incontrol/internal/terminal"
)

const shutdownTimeout = 5 * time.Second

func openStore(cfg *config.Config, log *zap.Logger) (session.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if cfg.Store == config.StoreSQLite {
		store, err := sqlite.New(cfg.StorePath())
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := jsonfile.Open(cfg.StorePath(), log)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// recorder is everything a recording command needs around one terminal
// source: the store, the session controller and the optional live view.
type recorder struct {
	store      session.Store
	publisher  publish.Publisher
	controller *session.Controller
	httpServer *http.Server
	log        *zap.Logger
}

func newRecorder(cfg *config.Config, log *zap.Logger, hub *terminal.Hub, terminals realtime.TerminalLister, prompter session.Prompter) (*recorder, error) {
	store, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}

	pub, err := publish.New(cfg.NATSURL, cfg.NATSSubject,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	m := metrics.New()
	r := &recorder{store: store, publisher: pub, log: log}

	var watchers []session.Watcher
	var rt *realtime.Server
	if cfg.Listen != "" {
		rt = realtime.New(realtime.Config{
			Sessions:    store,
			Terminals:   terminals,
			Logger:      log.Named("realtime"),
			Metrics:     m,
			HistorySize: cfg.HistorySize,
		})
		watchers = append(watchers, rt)
	}

	r.controller = session.NewController(session.Config{
		Store:           store,
		Source:          hub,
		Prompter:        prompter,
		Profile:         profile.NewStore(cfg.ProfilePath()),
		Publisher:       pub,
		Watchers:        watchers,
		Logger:          log.Named("session"),
		Metrics:         m,
		ObserverOptions: cfg.ObserverOptions(),
	})

	if rt != nil {
		rt.SetInteractions(r.controller)
		r.httpServer = &http.Server{Addr: cfg.Listen, Handler: rt.Handler()}
		go func() {
			log.Info("live view listening", zap.String("addr", cfg.Listen))
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("live view server failed", zap.Error(err))
			}
		}()
	}
	return r, nil
}

// stop ends the active session, if any, and reports it on out.
func (r *recorder) stop(ctx context.Context, out io.Writer) {
	sess, err := r.controller.Stop(ctx)
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		return
	case err != nil:
		r.log.Error("failed to stop session", zap.Error(err))
	}
	if sess == nil {
		return
	}
	duration, _ := sess.Duration()
	fmt.Fprintf(out, "Session %s ended after %s.\n", sess.ID, duration.Round(time.Second))
}

func (r *recorder) close() {
	if r.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.log.Warn("live view shutdown failed", zap.Error(err))
		}
	}
	if err := r.publisher.Close(); err != nil {
		r.log.Warn("failed to close publisher", zap.Error(err))
	}
	if err := r.store.Close(); err != nil {
		r.log.Warn("failed to close store", zap.Error(err))
	}
}
