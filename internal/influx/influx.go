package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/memsync/memsync/internal/config"
	"github.com/memsync/memsync/internal/scheduler"
	"github.com/memsync/memsync/pkg/core"
)

// Measurement names.
const (
	MeasurementLoop     = "loop"
	MeasurementEntities = "entities"
)

// ErrDisabled is returned by Connect when influx.enabled is false.
var ErrDisabled = errors.New("influx disabled")

// retention of the performance bucket
const retentionSeconds = 60 * 60 * 24 * 90

// Manager writes performance points to InfluxDB, or to a gzipped line
// protocol backup file when the server is unreachable.
type Manager struct {
	cfg    config.InfluxConfig
	Logger zerolog.Logger

	client influxdb2.Client
	writer influxdb2_api.WriteAPI

	mu         sync.Mutex
	backupFile io.Closer
	backup     *gzip.Writer
}

// NewManager creates a new InfluxDB manager.
func NewManager(cfg config.InfluxConfig, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, Logger: log}
}

// URL returns the server address built from the config.
func (m *Manager) URL() string {
	return fmt.Sprintf("%s://%s:%s", m.cfg.Protocol, m.cfg.Host, m.cfg.Port)
}

// Connect establishes a connection to InfluxDB, falling back to the backup
// file when the server does not answer.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}

	m.client = influxdb2.NewClientWithOptions(
		m.URL(),
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(2500).
			SetFlushInterval(1000),
	)

	running, err := m.client.Ping(ctx)
	if err != nil || !running {
		m.Logger.Warn().Err(err).Str("backupPath", m.cfg.Backup).
			Msg("InfluxDB unreachable, writing to backup file")
		m.client.Close()
		m.client = nil
		return m.openBackup()
	}

	if err := m.setupBucket(ctx); err != nil {
		return err
	}
	m.writer = m.client.WriteAPI(m.cfg.Org, m.cfg.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.Logger.Error().Err(writeErr).Str("bucket", m.cfg.Bucket).Msg("Error sending data to InfluxDB")
		}
	}(m.writer.Errors())

	m.Logger.Info().Str("url", m.URL()).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) openBackup() error {
	if m.cfg.Backup == "" {
		return fmt.Errorf("influx unreachable and no backup path configured")
	}
	file, err := os.OpenFile(m.cfg.Backup, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	m.mu.Lock()
	m.backupFile = file
	m.backup = gzip.NewWriter(file)
	m.mu.Unlock()
	return nil
}

func (m *Manager) setupBucket(ctx context.Context) error {
	orgs := m.client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, m.cfg.Org)
	if err != nil {
		m.Logger.Info().Str("org", m.cfg.Org).Msg("Organization not found, creating")
		org, err = orgs.CreateOrganizationWithName(ctx, m.cfg.Org)
		if err != nil {
			return fmt.Errorf("create organization %s: %w", m.cfg.Org, err)
		}
	}

	if _, err := m.client.BucketsAPI().FindBucketByName(ctx, m.cfg.Bucket); err != nil {
		m.Logger.Info().Str("bucket", m.cfg.Bucket).Msg("Bucket not found, creating")
		rule := domain.RetentionRuleTypeExpire
		_, err = m.client.BucketsAPI().CreateBucketWithName(ctx, org, m.cfg.Bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: retentionSeconds,
		})
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", m.cfg.Bucket, err)
		}
	}
	return nil
}

// Valid reports whether points reach a live server.
func (m *Manager) Valid() bool {
	return m.writer != nil
}

// WritePoint writes a point to InfluxDB or the backup file.
func (m *Manager) WritePoint(point *influxdb2_write.Point) error {
	if m.writer != nil {
		m.writer.WritePoint(point)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backup == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}
	line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := m.backup.Write([]byte(line)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// WriteSnapshot writes one point per loop and one entity count point.
func (m *Manager) WriteSnapshot(sessionID string, at time.Time, loops []scheduler.LoopStats, counts map[core.Kind]int) error {
	var errs []error
	for _, l := range loops {
		errs = append(errs, m.WritePoint(LoopPoint(sessionID, at, l)))
	}
	if counts != nil {
		errs = append(errs, m.WritePoint(CountsPoint(sessionID, at, counts)))
	}
	return errors.Join(errs...)
}

// Close flushes pending writes and closes the client or backup file.
func (m *Manager) Close() error {
	if m.writer != nil {
		m.writer.Flush()
	}
	if m.client != nil {
		m.client.Close()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backup != nil {
		err := m.backup.Close()
		if cerr := m.backupFile.Close(); err == nil {
			err = cerr
		}
		m.backup = nil
		return err
	}
	return nil
}

// LoopPoint describes one scheduler loop.
func LoopPoint(sessionID string, at time.Time, l scheduler.LoopStats) *influxdb2_write.Point {
	return influxdb2.NewPoint(MeasurementLoop,
		map[string]string{"session": sessionID, "loop": l.Name},
		map[string]any{
			"iterations":  int64(l.Iterations),
			"errors":      int64(l.Errors),
			"duration_us": l.LastDuration.Microseconds(),
			"sleep_us":    l.Sleep.Microseconds(),
		},
		at)
}

// CountsPoint holds the tracked entity count per kind.
func CountsPoint(sessionID string, at time.Time, counts map[core.Kind]int) *influxdb2_write.Point {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	p := influxdb2_write.NewPointWithMeasurement(MeasurementEntities).
		AddTag("session", sessionID).
		SetTime(at)
	for _, k := range kinds {
		p.AddField(k, counts[core.Kind(k)])
	}
	return p
}
