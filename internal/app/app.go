// Package app wires the facecast components together and owns their lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"facecast/internal/config"
	"facecast/internal/eventbus"
	"facecast/internal/framecast"
	"facecast/internal/httpserver"
	"facecast/internal/identity"
	"facecast/internal/metrics"
	"facecast/internal/names"
	"facecast/internal/notify"
	"facecast/internal/runtime/supervisor"
	"facecast/internal/stream"
	logx "facecast/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	metrics   *metrics.Metrics
	names     *names.Store
	refresher *names.Refresher
	ids       *identity.Clusterer
	bcast     *framecast.Broadcaster
	notifier  *notify.Service
	http      *httpserver.Server
}

// New loads the configuration and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logConfig(cfg.Logging))
	a := &App{
		cfgm: cfgm,
		cfg:  cfg,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	if err := a.buildNames(log); err != nil {
		return nil, err
	}
	a.ids = identity.New(identityPolicy(cfg.Identity), nil, a.names, log.With(logx.String("comp", "identity")))

	driver, err := a.buildDriver(log)
	if err != nil {
		return nil, err
	}

	observers := framecast.Observers{busObserver{bus: a.bus}}
	if a.metrics != nil {
		observers = append(observers, a.metrics)
	}
	a.bcast = framecast.New(driver, framecast.Options{
		Policy:   broadcastPolicy(cfg.Broadcast),
		Log:      log.With(logx.String("comp", "framecast")),
		Observer: observers,
	})

	if err := a.buildNotifier(log); err != nil {
		return nil, err
	}
	a.registerGauges()
	a.http = a.buildHTTP(log)
	return a, nil
}

func (a *App) buildNames(log logx.Logger) error {
	nc := a.cfg.Names
	if strings.TrimSpace(nc.Path) == "" {
		a.names = names.NewStore(names.Empty())
		return nil
	}
	t, err := names.Load(nc.Path)
	if err != nil {
		return fmt.Errorf("load name table: %w", err)
	}
	a.names = names.NewStore(t)
	r, err := names.NewRefresher(a.names, names.RefresherOptions{
		Path:     nc.Path,
		Schedule: nc.Schedule,
		Watch:    nc.Watch,
		Log:      log.With(logx.String("comp", "names")),
	})
	if err != nil {
		return err
	}
	a.refresher = r
	a.log.Info("name table loaded", logx.String("path", nc.Path), logx.Int("size", t.Len()))
	return nil
}

func (a *App) buildDriver(log logx.Logger) (*stream.Driver, error) {
	opener, err := captureOpener(a.cfg.Camera)
	if err != nil {
		return nil, err
	}
	opts := stream.Options{
		Open:         opener,
		Extractor:    newExtractor(a.cfg.Extractor),
		Identities:   a.ids,
		Bus:          a.bus,
		UnknownLabel: a.ids.Policy().UnknownLabel,
		JPEGQuality:  a.cfg.Camera.JPEGQuality,
		Log:          log.With(logx.String("comp", "stream")),
	}
	if a.refresher != nil {
		opts.Names = a.refresher
	}
	if a.metrics != nil {
		opts.Recorder = a.metrics
	}
	return stream.NewDriver(opts)
}

func (a *App) buildNotifier(log logx.Logger) error {
	nc := a.cfg.Notifier
	if nc == nil || !nc.Enabled {
		return nil
	}
	sender, err := notify.NewTelegramSender(nc.Token, nc.ChatID, config.DurationOr(nc.Timeout, config.DefaultNotifyTTL))
	if err != nil {
		return err
	}
	opts := notify.Options{
		RatePerMin: nc.RatePerMin,
		QueueSize:  nc.QueueSize,
		Log:        log.With(logx.String("comp", "notifier")),
	}
	if a.metrics != nil {
		opts.Recorder = a.metrics
	}
	a.notifier = notify.New(sender, opts)
	return nil
}

func (a *App) registerGauges() {
	if a.metrics == nil {
		return
	}
	a.metrics.GaugeFunc("identity", "tentative_clusters", "Clusters in the tentative tier.", func() float64 {
		return float64(len(a.ids.Snapshot().Tentative))
	})
	a.metrics.GaugeFunc("identity", "confirmed_identities", "Identities in the confirmed tier.", func() float64 {
		return float64(len(a.ids.Snapshot().Confirmed))
	})
	a.metrics.GaugeFunc("names", "table_size", "Entries in the current name table.", func() float64 {
		return float64(a.names.Len())
	})
}

func (a *App) buildHTTP(log logx.Logger) *httpserver.Server {
	hc := a.cfg.HTTP
	opts := httpserver.Options{
		Addr:              hc.Addr,
		ReadHeaderTimeout: config.DurationOr(hc.ReadHeaderTimeout, config.DefaultReadHeader),
		ShutdownTimeout:   config.DurationOr(hc.ShutdownTimeout, config.DefaultShutdown),
		WSWriteTimeout:    config.DurationOr(hc.WSWriteTimeout, config.DefaultWSWrite),
		Pprof:             hc.Pprof,
		Broadcast:         a.bcast,
		Identities:        a.ids,
		Names:             a.names,
		Tasks:             a.tasks,
		Log:               log.With(logx.String("comp", "http")),
	}
	if a.metrics != nil {
		opts.Metrics = a.metrics.Handler()
		opts.MetricsPath = a.cfg.Metrics.Path
		opts.Recorder = a.metrics
	}
	return httpserver.New(opts)
}

// Start launches every long-running task under one supervisor. The HTTP
// server is fatal; the optional services restart on failure.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app: already started")
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))

	a.sup.Go("http", a.http.Run)
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", a.applyConfig)
	if a.metrics != nil {
		a.sup.Go0("metrics.events", func(ctx context.Context) { a.metrics.Run(ctx, a.bus) })
	}
	if a.refresher != nil {
		a.sup.GoRestart("names.refresh", a.refresher.Run)
	}
	if a.notifier != nil {
		a.sup.GoRestart("notifier", func(ctx context.Context) error { return a.notifier.Run(ctx, a.bus) })
	}

	a.log.Info("facecast started",
		logx.String("addr", a.cfg.HTTP.Addr),
		logx.String("camera", a.cfg.Camera.Driver),
		logx.String("extractor", a.cfg.Extractor.Driver),
		logx.Bool("metrics", a.metrics != nil),
		logx.Bool("notifier", a.notifier != nil))
	return nil
}

// Done is closed when the supervisor stops, on a fatal error or cancellation.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// tasks lists the supervised goroutines; empty before Start.
func (a *App) tasks() []supervisor.TaskStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

// Err returns the first fatal task error.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop shuts the tasks down, then the producer, then the log sinks.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop tasks: %w", err))
		}
	}
	if err := a.bcast.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop producer: %w", err))
	}
	a.log.Info("facecast stopped")
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch d := e.Data.(type) {
			case eventbus.Confirmed:
				a.log.Info("identity confirmed", logx.Int("identity", d.ID), logx.String("label", d.Label))
			default:
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.Any("data", d))
			}
		}
	}
}
