// Package service composes the components of each tier into a runnable
// daemon: durable stores, domain logic, HTTP surfaces and the periodic stats
// monitors.
package service

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/suffragium/suffragium/api"
	"github.com/suffragium/suffragium/audit"
	"github.com/suffragium/suffragium/client"
	"github.com/suffragium/suffragium/db/metadb"
	"github.com/suffragium/suffragium/log"
	"github.com/suffragium/suffragium/station"
	"github.com/suffragium/suffragium/types"
)

// monitorInterval is the period of the per-tier stats monitors.
const monitorInterval = 30 * time.Second

// StationConfig groups everything a station daemon needs.
type StationConfig struct {
	StationID string
	RegionID  string
	DataDir   string
	RollPath  string

	ListenHost string
	ListenPort int
	AdminHost  string
	AdminPort  int

	BrokerURL  string
	ConfirmURL string // public address of this station's confirmation endpoint

	Sender station.SenderConfig
}

// Station is the polling-station daemon: roll, outbox, sender and the HTTP
// surface.
type Station struct {
	cfg    StationConfig
	outbox *station.Outbox
	roll   *station.Roll
	sender *station.Sender
	api    *api.StationAPI

	cancelMonitor context.CancelFunc
}

// NewStation composes a station from its configuration. The eligible roll is
// loaded from RollPath; the voted view is rebuilt from the outbox. If the
// outbox scan fails, the station refuses to open.
func NewStation(cfg StationConfig) (*Station, error) {
	if cfg.StationID == "" {
		return nil, fmt.Errorf("missing station identifier")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	database, err := metadb.New(metadb.TypePebble, filepath.Join(cfg.DataDir, "outbox"))
	if err != nil {
		return nil, fmt.Errorf("open outbox database: %w", err)
	}
	auditLog, err := audit.Open(filepath.Join(cfg.DataDir, "audit.log"))
	if err != nil {
		return nil, err
	}
	outbox := station.NewOutbox(database, auditLog)

	eligible, err := LoadRoll(cfg.RollPath)
	if err != nil {
		return nil, fmt.Errorf("load electoral roll: %w", err)
	}
	voted, err := outbox.VotedVoters()
	if err != nil {
		// Never default-allow on a broken voted view.
		return nil, fmt.Errorf("rebuild voted view: %w", err)
	}
	roll := station.NewRoll(eligible, voted)
	log.Infow("electoral roll loaded",
		"station", cfg.StationID,
		"eligible", roll.Size(),
		"alreadyVoted", roll.VotedCount())

	senderCfg := cfg.Sender
	senderCfg.StationID = cfg.StationID
	senderCfg.ConfirmURL = cfg.ConfirmURL
	sender := station.NewSender(senderCfg, roll, outbox, client.NewBrokerClient(cfg.BrokerURL))

	return &Station{
		cfg:    cfg,
		outbox: outbox,
		roll:   roll,
		sender: sender,
	}, nil
}

// Start launches the sender retry loop, the HTTP surface and the stats
// monitor.
func (s *Station) Start(ctx context.Context) error {
	s.sender.Start(ctx)
	stationAPI, err := api.NewStationAPI(&api.StationAPIConfig{
		Host:      s.cfg.ListenHost,
		Port:      s.cfg.ListenPort,
		AdminHost: s.cfg.AdminHost,
		AdminPort: s.cfg.AdminPort,
		Sender:    s.sender,
		Outbox:    s.outbox,
	})
	if err != nil {
		return err
	}
	s.api = stationAPI

	monitorCtx, cancel := context.WithCancel(ctx)
	s.cancelMonitor = cancel
	go s.monitor(monitorCtx)

	log.Infow("station started",
		"station", s.cfg.StationID,
		"region", s.cfg.RegionID,
		"broker", s.cfg.BrokerURL)
	return nil
}

// Stop shuts the station down: no new votes, in-flight sends settle durably,
// stores flushed.
func (s *Station) Stop() {
	if s.cancelMonitor != nil {
		s.cancelMonitor()
	}
	if s.api != nil {
		if err := s.api.Close(); err != nil {
			log.Warnw("failed to close station API", "error", err.Error())
		}
	}
	s.sender.Stop()
	s.outbox.Close()
	log.Infow("station stopped", "station", s.cfg.StationID)
}

// Sender exposes the sender for tests.
func (s *Station) Sender() *station.Sender {
	return s.sender
}

// API exposes the HTTP surface for tests.
func (s *Station) API() *api.StationAPI {
	return s.api
}

func (s *Station) monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := s.outbox.CountByState()
			log.Monitor("station stats", map[string]any{
				"station":   s.cfg.StationID,
				"voted":     s.roll.VotedCount(),
				"eligible":  s.roll.Size(),
				"pending":   counts[types.BallotStatePending],
				"sent":      counts[types.BallotStateSent],
				"confirmed": counts[types.BallotStateConfirmed],
				"rejected":  counts[types.BallotStateRejected],
			})
		}
	}
}

// LoadRoll reads an eligible-voter file: one voterId per line, blank lines
// and #-comments ignored.
func LoadRoll(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	var voters []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		voters = append(voters, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(voters) == 0 {
		return nil, fmt.Errorf("empty electoral roll at %s", path)
	}
	return voters, nil
}
