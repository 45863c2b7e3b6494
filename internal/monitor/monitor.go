// Package monitor samples the tracker once per interval and publishes the
// sample to a status file, the database and InfluxDB.
package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/memsync/memsync/internal/model"
	"github.com/memsync/memsync/internal/scheduler"
	"github.com/memsync/memsync/internal/session"
	"github.com/memsync/memsync/pkg/core"
)

// DefaultInterval is the sampling period.
const DefaultInterval = time.Second

// Source is the tracker being observed.
type Source interface {
	State() session.State
	Info() (core.Session, bool)
	Counts() map[core.Kind]int
	LoopStats() []scheduler.LoopStats
}

// PointWriter receives each sample while a session is tracked.
type PointWriter interface {
	WriteSnapshot(sessionID string, at time.Time, loops []scheduler.LoopStats, counts map[core.Kind]int) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Source     Source
	DB         *gorm.DB    // optional
	Influx     PointWriter // optional
	StatusFile string      // optional
	Interval   time.Duration
	Log        *slog.Logger
}

// LoopStatus is the JSON view of one loop.
type LoopStatus struct {
	Name         string  `json:"name"`
	Iterations   uint64  `json:"iterations"`
	Errors       uint64  `json:"errors"`
	LastDuration float64 `json:"lastDurationMs"`
	Sleep        float64 `json:"sleepMs"`
	LastError    string  `json:"lastError,omitempty"`
}

// Status is one sample.
type Status struct {
	Time      time.Time      `json:"time"`
	State     string         `json:"state"`
	SessionID string         `json:"sessionId,omitempty"`
	PID       uint32         `json:"pid,omitempty"`
	Location  string         `json:"location,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
	Loops     []LoopStatus   `json:"loops,omitempty"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Sample takes one status sample. loops and counts are the raw values
// behind the JSON view.
func (s *Service) Sample(now time.Time) (Status, []scheduler.LoopStats, map[core.Kind]int) {
	src := s.deps.Source
	st := Status{Time: now.UTC(), State: string(src.State())}

	sess, ok := src.Info()
	if !ok {
		return st, nil, nil
	}
	st.SessionID = sess.ID
	st.PID = sess.PID
	st.Location = sess.Location

	counts := src.Counts()
	st.Counts = make(map[string]int, len(counts))
	for k, n := range counts {
		st.Counts[string(k)] = n
	}
	loops := src.LoopStats()
	for _, l := range loops {
		st.Loops = append(st.Loops, LoopStatus{
			Name:         l.Name,
			Iterations:   l.Iterations,
			Errors:       l.Errors,
			LastDuration: float64(l.LastDuration.Microseconds()) / 1000,
			Sleep:        float64(l.Sleep.Microseconds()) / 1000,
			LastError:    l.LastError,
		})
	}
	return st, loops, counts
}

// Performance converts a sample to its database row.
func Performance(st Status) model.Performance {
	perf := model.Performance{
		Time:      st.Time,
		SessionID: st.SessionID,
		State:     st.State,
		Counts: model.EntityCounts{
			Players:    clampCount(st.Counts[string(core.KindPlayer)]),
			Loot:       clampCount(st.Counts[string(core.KindLoot)]),
			Explosives: clampCount(st.Counts[string(core.KindExplosive)]),
			Exfils:     clampCount(st.Counts[string(core.KindExfil)]),
		},
	}
	if data, err := json.Marshal(st.Loops); err == nil {
		perf.Loops = datatypes.JSON(data)
	}
	return perf
}

func clampCount(n int) uint16 {
	if n > 0xFFFF {
		return 0xFFFF
	}
	return uint16(n)
}

// Tick takes a sample and publishes it.
func (s *Service) Tick(now time.Time) error {
	st, loops, counts := s.Sample(now)

	var errs []error
	if s.deps.StatusFile != "" {
		errs = append(errs, writeStatusFile(s.deps.StatusFile, st))
	}
	if st.SessionID != "" {
		if s.deps.DB != nil {
			perf := Performance(st)
			if err := s.deps.DB.Create(&perf).Error; err != nil {
				errs = append(errs, fmt.Errorf("write performance row: %w", err))
			}
		}
		if s.deps.Influx != nil {
			if err := s.deps.Influx.WriteSnapshot(st.SessionID, now, loops, counts); err != nil {
				errs = append(errs, fmt.Errorf("write influx points: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// writeStatusFile replaces path atomically.
func writeStatusFile(path string, st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()

		s.deps.Log.Debug("Starting status monitor", "interval", s.deps.Interval)
		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if err := s.Tick(now); err != nil {
					s.deps.Log.Error("Status monitor tick failed", "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}

// ValidateHypertables turns tables into TimescaleDB hypertables segmented
// by the given columns. It is a no-op outside Postgres.
func ValidateHypertables(db *gorm.DB, log *slog.Logger, tables map[string][]string) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}

	for table, segmentBy := range tables {
		var existing []string
		err := db.Raw(`SELECT hypertable_name FROM timescaledb_information.hypertables WHERE hypertable_name = ?`, table).
			Scan(&existing).Error
		if err != nil {
			return fmt.Errorf("query hypertables: %w", err)
		}
		if len(existing) > 0 {
			log.Debug("Hypertable already configured", "table", table)
			continue
		}

		steps := []struct {
			what  string
			query string
			args  []any
		}{
			{"create hypertable", `SELECT create_hypertable(?, 'time', chunk_time_interval => interval '1 day', if_not_exists => true)`, []any{table}},
			{"enable compression", fmt.Sprintf(`ALTER TABLE %q SET (timescaledb.compress, timescaledb.compress_segmentby = ?)`, table), []any{strings.Join(segmentBy, ",")}},
			{"set compression policy", `SELECT add_compression_policy(?, compress_after => interval '14 day')`, []any{table}},
		}
		for _, step := range steps {
			if err := db.Exec(step.query, step.args...).Error; err != nil {
				return fmt.Errorf("%s for %s: %w", step.what, table, err)
			}
		}
		log.Info("Configured hypertable", "table", table)
	}
	return nil
}
