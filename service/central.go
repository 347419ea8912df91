package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/suffragium/suffragium/api"
	"github.com/suffragium/suffragium/audit"
	"github.com/suffragium/suffragium/central"
	"github.com/suffragium/suffragium/db/metadb"
	"github.com/suffragium/suffragium/log"
)

// CentralConfig groups everything the central daemon needs.
type CentralConfig struct {
	DataDir string

	ListenHost string
	ListenPort int
	AdminHost  string
	AdminPort  int

	Tally central.TallyConfig
}

// Central is the national tally daemon.
type Central struct {
	cfg    CentralConfig
	intake *central.Intake
	tally  *central.Tally
	api    *api.CentralAPI

	closeDB       func()
	cancelMonitor context.CancelFunc
}

// NewCentral composes the central tier and replays the received-log tail
// against the last tally checkpoint before anything is served.
func NewCentral(cfg CentralConfig) (*Central, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	database, err := metadb.New(metadb.TypePebble, filepath.Join(cfg.DataDir, "central"))
	if err != nil {
		return nil, fmt.Errorf("open central database: %w", err)
	}
	auditLog, err := audit.Open(filepath.Join(cfg.DataDir, "audit.log"))
	if err != nil {
		return nil, err
	}

	tally := central.NewTally(cfg.Tally, database)
	intake, err := central.NewIntake(database, tally, auditLog)
	if err != nil {
		return nil, err
	}
	if err := intake.Replay(); err != nil {
		return nil, fmt.Errorf("replay received log: %w", err)
	}

	return &Central{
		cfg:    cfg,
		intake: intake,
		tally:  tally,
		closeDB: func() {
			if err := database.Close(); err != nil {
				log.Warnw("failed to close central database", "error", err.Error())
			}
			if err := auditLog.Close(); err != nil {
				log.Warnw("failed to close central audit log", "error", err.Error())
			}
		},
	}, nil
}

// Start launches the tally committer, the HTTP surfaces and the stats
// monitor.
func (c *Central) Start(ctx context.Context) error {
	c.tally.Start(ctx)
	centralAPI, err := api.NewCentralAPI(&api.CentralAPIConfig{
		Host:      c.cfg.ListenHost,
		Port:      c.cfg.ListenPort,
		AdminHost: c.cfg.AdminHost,
		AdminPort: c.cfg.AdminPort,
		Intake:    c.intake,
		Tally:     c.tally,
	})
	if err != nil {
		return err
	}
	c.api = centralAPI

	monitorCtx, cancel := context.WithCancel(ctx)
	c.cancelMonitor = cancel
	go c.monitor(monitorCtx)

	log.Infow("central started", "received", c.intake.Received())
	return nil
}

// Stop shuts the central down, writing a final tally checkpoint.
func (c *Central) Stop() {
	if c.cancelMonitor != nil {
		c.cancelMonitor()
	}
	if c.api != nil {
		if err := c.api.Close(); err != nil {
			log.Warnw("failed to close central API", "error", err.Error())
		}
	}
	c.tally.Stop()
	if c.closeDB != nil {
		c.closeDB()
	}
	log.Infow("central stopped")
}

// Intake exposes the intake for tests.
func (c *Central) Intake() *central.Intake {
	return c.intake
}

// Tally exposes the tally for tests.
func (c *Central) Tally() *central.Tally {
	return c.tally
}

// API exposes the HTTP surface for tests.
func (c *Central) API() *api.CentralAPI {
	return c.api
}

func (c *Central) monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := c.tally.Snapshot()
			var total uint64
			for _, count := range snapshot {
				total += count
			}
			log.Monitor("central stats", map[string]any{
				"received":   c.intake.Received(),
				"counted":    total,
				"candidates": len(snapshot),
			})
		}
	}
}
