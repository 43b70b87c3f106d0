// Package app wires the pipeline together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"notifyrelay/internal/broker"
	"notifyrelay/internal/config"
	"notifyrelay/internal/dispatch"
	"notifyrelay/internal/httpapi"
	"notifyrelay/internal/policy"
	logx "notifyrelay/pkg/logx"
)

// App assembles config, logging, policy, broker and dispatch into one
// runnable process.
type App struct {
	cfg      *config.Config
	log      logx.Logger
	logClose func() error

	mgr        *broker.Manager
	publisher  *broker.Publisher
	consumer   *broker.Consumer
	dispatcher *dispatch.Dispatcher
	registry   *dispatch.Registry
	api        *httpapi.Server

	cron *cron.Cron
}

// New loads configuration (an empty path means built-in defaults) and
// constructs every component. Nothing talks to the network yet; that
// happens in Start.
func New(cfgPath string) (*App, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", cfgPath, err)
		}
	}

	log, logClose, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console == nil || *cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}

	rules, err := policy.LoadRules(policy.SourceConfig{
		Driver: cfg.Rules.Driver,
		Path:   cfg.Rules.Path,
	}, log.With(logx.String("comp", "policy")))
	if err != nil {
		_ = logClose()
		return nil, err
	}

	engine := policy.NewEngine(rules)
	builder := policy.NewBuilder(engine, cfg.Service.Name)

	mgr := broker.NewManager(broker.Config{
		URL:          cfg.Broker.URL,
		Exchange:     cfg.Broker.Exchange,
		ExchangeType: cfg.Broker.ExchangeType,
		Queue:        cfg.Broker.Queue,
		BindingKey:   cfg.Broker.BindingKey,
		Prefetch:     cfg.Broker.Prefetch,
	}, log.With(logx.String("comp", "broker")))

	publisher := broker.NewPublisher(mgr, cfg.Broker.PublishKey, log.With(logx.String("comp", "publisher")))

	registry := dispatch.NewRegistry()
	dispatch.RegisterLogSenders(registry, log.With(logx.String("comp", "sender")))

	dispatcher := dispatch.New(dispatch.Config{
		Concurrency:    cfg.Dispatcher.Concurrency,
		SendRatePerSec: cfg.Dispatcher.SendRatePerSec,
	}, registry, log.With(logx.String("comp", "dispatcher")))

	stopGrace, err := time.ParseDuration(cfg.Broker.StopGrace)
	if err != nil {
		_ = logClose()
		return nil, fmt.Errorf("broker.stop_grace: %w", err)
	}

	consumer := broker.NewConsumer(broker.ConsumerConfig{
		Tag:            cfg.Service.Name + ".consumer",
		RequeueOnError: cfg.Broker.RequeueOnError == nil || *cfg.Broker.RequeueOnError,
		StopGrace:      stopGrace,
	}, mgr, dispatcher, log.With(logx.String("comp", "consumer")))

	api := httpapi.NewServer(cfg.HTTP.Addr, builder, publisher, log.With(logx.String("comp", "http")))

	return &App{
		cfg:        cfg,
		log:        log,
		logClose:   logClose,
		mgr:        mgr,
		publisher:  publisher,
		consumer:   consumer,
		dispatcher: dispatcher,
		registry:   registry,
		api:        api,
	}, nil
}

// SenderRegistry is where real channel providers replace the built-in log
// senders before Start.
func (a *App) SenderRegistry() *dispatch.Registry { return a.registry }

// Start declares the broker topology, starts consuming, serves the HTTP
// boundary and schedules the heartbeat.
func (a *App) Start(ctx context.Context) error {
	if err := a.mgr.Declare(); err != nil {
		return err
	}
	if err := a.consumer.Start(ctx); err != nil {
		return err
	}
	a.api.Start()

	if a.cfg.Heartbeat.Enabled == nil || *a.cfg.Heartbeat.Enabled {
		a.cron = cron.New()
		if _, err := a.cron.AddFunc(a.cfg.Heartbeat.Spec, a.heartbeat); err != nil {
			return fmt.Errorf("heartbeat spec %q: %w", a.cfg.Heartbeat.Spec, err)
		}
		a.cron.Start()
	}

	a.log.Info("notifyrelay started",
		logx.String("service", a.cfg.Service.Name),
		logx.String("http", a.cfg.HTTP.Addr),
		logx.String("exchange", a.cfg.Broker.Exchange),
		logx.String("queue", a.cfg.Broker.Queue))
	return nil
}

// Stop shuts the pipeline down in order: intake first (no new publishes),
// then the consumer (drains in-flight deliveries), then the shared broker
// resources. Safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	if a.cron != nil {
		a.cron.Stop()
	}

	if err := a.api.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}

	err := a.consumer.Stop(ctx)

	// Consumer.Stop closes the manager, but cover the path where the
	// consumer never started. Close is idempotent.
	_ = a.mgr.Close()

	a.heartbeat()
	a.log.Info("notifyrelay stopped")
	_ = a.logClose()
	return err
}

// heartbeat logs a point-in-time view of the pipeline counters.
func (a *App) heartbeat() {
	pub := a.publisher.Stats()
	con := a.consumer.Stats()
	dis := a.dispatcher.Stats()

	a.log.Info("pipeline heartbeat",
		logx.Uint64("published", pub.Published),
		logx.Uint64("publish_failed", pub.Failed),
		logx.Uint64("consumed", con.Consumed),
		logx.Uint64("acked", con.Acked),
		logx.Uint64("requeued", con.Requeued),
		logx.Uint64("rejected", con.Rejected),
		logx.Uint64("dispatched", dis.Dispatched),
		logx.Uint64("sends", dis.Sends),
		logx.Uint64("send_errors", dis.SendErrors),
		logx.Int("sends_in_flight", dis.InFlight))
}
