package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"convobot/internal/config"

	"github.com/rs/zerolog"
)

const (
	snapshotPrefix = "conversations_"
	snapshotSuffix = ".db"
)

// Snapshot describes one verified backup of the conversations table.
type Snapshot struct {
	Path          string
	Conversations int
	ByState       map[string]int
	Took          time.Duration
}

// BackupService periodically snapshots the conversations database.
type BackupService struct {
	db     *DB
	config config.BackupConfig
	logger *zerolog.Logger
	now    func() time.Time
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	l := logger.With().Str("component", "backup").Logger()
	return &BackupService{
		db:     db,
		config: cfg,
		logger: &l,
		now:    time.Now,
	}
}

func (s *BackupService) interval() time.Duration {
	if s.config.Schedule == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(s.config.Schedule)
	if err != nil || d <= 0 {
		s.logger.Warn().Err(err).Str("schedule", s.config.Schedule).Msg("Invalid backup schedule, using 24h")
		return 24 * time.Hour
	}
	return d
}

func (s *BackupService) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info().Msg("Backup service is disabled")
		return
	}

	interval := s.interval()
	s.logger.Info().Dur("interval", interval).Msg("Backup service started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *BackupService) run(ctx context.Context) {
	if _, err := s.PerformBackup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Conversation backup failed")
		return
	}
	s.CleanupOldBackups()
}

// PerformBackup writes a consistent copy of the database with VACUUM INTO and
// reopens it to count the conversations it holds. A snapshot that cannot be
// read back is removed.
func (s *BackupService) PerformBackup(ctx context.Context) (*Snapshot, error) {
	if s.db.Path() == ":memory:" {
		return nil, errors.New("in-memory database cannot be backed up")
	}
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	start := s.now()
	name := snapshotPrefix + start.Format("20060102_150405.000") + snapshotSuffix
	snap := &Snapshot{Path: filepath.Join(s.config.StoragePath, name)}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", snap.Path); err != nil {
		return nil, fmt.Errorf("vacuum into %s: %w", snap.Path, err)
	}

	counts, err := countSnapshot(ctx, snap.Path)
	if err != nil {
		if rmErr := os.Remove(snap.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn().Err(rmErr).Str("path", snap.Path).Msg("Failed to remove unreadable snapshot")
		}
		return nil, fmt.Errorf("verify snapshot %s: %w", snap.Path, err)
	}
	snap.ByState = counts
	for _, n := range counts {
		snap.Conversations += n
	}
	snap.Took = s.now().Sub(start)

	states := zerolog.Dict()
	for state, n := range counts {
		states = states.Int(state, n)
	}
	s.logger.Info().
		Str("path", snap.Path).
		Int("conversations", snap.Conversations).
		Dict("by_state", states).
		Dur("took", snap.Took).
		Msg("Conversation backup completed")
	return snap, nil
}

func countSnapshot(ctx context.Context, path string) (map[string]int, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return countByState(ctx, db)
}

// CleanupOldBackups removes snapshots older than the retention period. The
// newest snapshot is always kept and files this service did not write are
// left alone.
func (s *BackupService) CleanupOldBackups() int {
	if s.config.RetentionDays <= 0 {
		return 0
	}

	entries, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read backup directory for cleanup")
		return 0
	}

	var snapshots []os.DirEntry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		snapshots = append(snapshots, e)
	}
	if len(snapshots) == 0 {
		return 0
	}
	// names embed the timestamp, so lexical order is age order
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name() > snapshots[j].Name() })

	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
	removed := 0
	for _, e := range snapshots[1:] {
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.config.StoragePath, e.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("file", e.Name()).Msg("Failed to delete old backup")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Int("kept", len(snapshots)-removed).Msg("Old backups removed")
	}
	return removed
}
