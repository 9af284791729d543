package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatbus/internal/config"
	"chatbus/internal/directory"
	"chatbus/internal/eventbus"
	"chatbus/internal/fanout"
	"chatbus/internal/httpapi"
	"chatbus/internal/model"
	"chatbus/internal/runtime/lifecycle"
	"chatbus/internal/runtime/supervisor"
	"chatbus/internal/storage"
	"chatbus/internal/subs"
	"chatbus/internal/updates"
	logx "chatbus/pkg/logx"
)

// App is the bus server process: storage, fan-out, long-poll and the HTTP
// API, supervised together.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	events eventbus.Bus
	store  storage.Store
	notify lifecycle.Notifier

	updates *updates.Service
	api     *httpapi.API
	http    *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm, cfg, err := loadConfig(cfgPath, config.ValidateServer)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLogging(cfg.Logging))
	log = log.With(logx.Component("app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	uc, err := mapUpdatesConfig(cfg)
	if err != nil {
		return nil, err
	}
	tags, tagMode, err := mapMirrorGuard(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, log.With(logx.Component("storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("mirror_tags", tagMode))

	events := eventbus.New()
	registry := fanout.NewRegistry()
	engine := fanout.NewEngine(store, directory.New(store), registry, tags, events, log.With(logx.Component("fanout")))
	upd := updates.New(uc, store, registry, tags, events, log.With(logx.Component("updates")))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		events:  events,
		store:   store,
		notify:  lifecycle.NewNotifier(log),
		updates: upd,
	}

	var hc config.HTTPConfig
	if cfg.HTTP != nil {
		hc = *cfg.HTTP
	}
	httpapi.SetMode(hc.Mode)
	a.api = httpapi.New(httpapi.Deps{
		Store:            store,
		Engine:           engine,
		Updates:          upd,
		Subs:             subs.New(store, events, log.With(logx.Component("subs"))),
		SuperUsers:       cfg.APISuperUsers,
		AutoCreateRealms: autoCreateRealms(cfg),
		Health:           a.health,
		Log:              log.With(logx.Component("http")),
	})
	read, write, idle := hc.Timeouts()
	a.http = httpapi.NewServer(httpapi.ServerConfig{
		Addr:         hc.Addr,
		Mode:         hc.Mode,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, a.api.Router(), log.With(logx.Component("http")))
	return a, nil
}

func (a *App) health() gin.H {
	h := gin.H{
		"generation":     a.updates.Generation(),
		"events_dropped": eventbus.Dropped(a.events),
	}
	if a.sup != nil {
		h["supervisor"] = a.sup.Counters()
	}
	return h
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr returns the bound listen address once the server is up.
func (a *App) Addr(ctx context.Context) (string, error) { return a.http.Addr(ctx) }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.http.Start(a.sup.Context())

	events, unsub := a.events.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	runConfigReload(a.sup, a.cfgm, a.logs, a.log, func(cfg *config.Config) {
		a.api.SetSuperUsers(cfg.APISuperUsers)
	})

	a.notify.Ready()
	a.notify.Status("serving, generation %d", a.updates.Generation())
	a.log.Info("app started", logx.Int64("generation", a.updates.Generation()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()
	if a.sup != nil {
		a.sup.Cancel()
	}

	// Every step gets an upper bound so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 5*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// CreateUser bootstraps an account from "email,full name[,realm]". The
// realm defaults to the email's domain.
func (a *App) CreateUser(ctx context.Context, arg string) (model.User, error) {
	parts := strings.Split(arg, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return model.User{}, fmt.Errorf("create-user: want \"email,full name[,realm]\", got %q", arg)
	}
	email := parts[0]
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return model.User{}, fmt.Errorf("create-user: invalid email %q", email)
	}
	domain := email[at+1:]
	if len(parts) == 3 && parts[2] != "" {
		domain = parts[2]
	}
	realm, err := a.store.EnsureRealm(ctx, strings.ToLower(domain))
	if err != nil {
		return model.User{}, err
	}
	return a.store.CreateUser(ctx, model.User{RealmID: realm.ID, Email: email, FullName: parts[1]})
}

// Close releases resources of an app that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
