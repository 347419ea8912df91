package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/suffragium/suffragium/api"
	"github.com/suffragium/suffragium/audit"
	"github.com/suffragium/suffragium/broker"
	"github.com/suffragium/suffragium/client"
	"github.com/suffragium/suffragium/db/metadb"
	"github.com/suffragium/suffragium/log"
)

// BrokerConfig groups everything a broker daemon needs.
type BrokerConfig struct {
	RegionID string
	DataDir  string

	ListenHost string
	ListenPort int
	AdminHost  string
	AdminPort  int

	CentralURL    string
	QueueCapacity int

	Breaker   broker.BreakerParams
	Scheduler broker.SchedulerConfig
}

// Broker is the regional relay daemon.
type Broker struct {
	cfg       BrokerConfig
	blog      *broker.Log
	queue     *broker.Queue
	breaker   *broker.CircuitBreaker
	scheduler *broker.Scheduler
	broker    *broker.Broker
	api       *api.BrokerAPI

	closeDB       func()
	cancelMonitor context.CancelFunc
}

// NewBroker composes a broker from its configuration and recovers the
// durable backlog: every non-SENT record is re-enqueued at high priority.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.QueueCapacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	database, err := metadb.New(metadb.TypePebble, filepath.Join(cfg.DataDir, "brokerlog"))
	if err != nil {
		return nil, fmt.Errorf("open broker database: %w", err)
	}
	auditLog, err := audit.Open(filepath.Join(cfg.DataDir, "audit.log"))
	if err != nil {
		return nil, err
	}

	blog := broker.NewLog(database, auditLog)
	queue := broker.NewQueue(cfg.QueueCapacity)
	breaker := broker.NewCircuitBreaker(cfg.Breaker, auditLog)
	scheduler := broker.NewScheduler(cfg.Scheduler, queue, blog, breaker,
		client.NewCentralClient(cfg.CentralURL), client.NewConfirmClient())

	recovered, err := blog.Recover(queue)
	if err != nil {
		return nil, fmt.Errorf("recover broker backlog: %w", err)
	}
	if recovered > 0 {
		log.Infow("broker backlog recovered", "records", recovered)
	}

	return &Broker{
		cfg:       cfg,
		blog:      blog,
		queue:     queue,
		breaker:   breaker,
		scheduler: scheduler,
		broker:    broker.NewBroker(blog, queue, breaker),
		closeDB: func() {
			if err := database.Close(); err != nil {
				log.Warnw("failed to close broker database", "error", err.Error())
			}
			if err := auditLog.Close(); err != nil {
				log.Warnw("failed to close broker audit log", "error", err.Error())
			}
		},
	}, nil
}

// Start launches the scheduler, the HTTP surfaces and the stats monitor.
func (b *Broker) Start(ctx context.Context) error {
	b.scheduler.Start(ctx)
	brokerAPI, err := api.NewBrokerAPI(&api.BrokerAPIConfig{
		Host:      b.cfg.ListenHost,
		Port:      b.cfg.ListenPort,
		AdminHost: b.cfg.AdminHost,
		AdminPort: b.cfg.AdminPort,
		Broker:    b.broker,
		Log:       b.blog,
		Queue:     b.queue,
		Breaker:   b.breaker,
		Scheduler: b.scheduler,
	})
	if err != nil {
		return err
	}
	b.api = brokerAPI

	monitorCtx, cancel := context.WithCancel(ctx)
	b.cancelMonitor = cancel
	go b.monitor(monitorCtx)

	log.Infow("broker started",
		"region", b.cfg.RegionID,
		"central", b.cfg.CentralURL,
		"queueCapacity", b.cfg.QueueCapacity)
	return nil
}

// Stop shuts the broker down: stop accepting, drain in-flight sends, flush.
func (b *Broker) Stop() {
	if b.cancelMonitor != nil {
		b.cancelMonitor()
	}
	if b.api != nil {
		if err := b.api.Close(); err != nil {
			log.Warnw("failed to close broker API", "error", err.Error())
		}
	}
	b.scheduler.Stop()
	if b.closeDB != nil {
		b.closeDB()
	}
	log.Infow("broker stopped", "region", b.cfg.RegionID)
}

// Accept exposes the accept path for tests.
func (b *Broker) Accept() *broker.Broker {
	return b.broker
}

// API exposes the HTTP surface for tests.
func (b *Broker) API() *api.BrokerAPI {
	return b.api
}

func (b *Broker) monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := b.broker.Stats()
			stats["region"] = b.cfg.RegionID
			log.Monitor("broker stats", stats)
		}
	}
}
