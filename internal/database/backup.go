package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/config"
)

const backupPrefix = "marketsync_"

// BackupService snapshots the sqlite store on a fixed interval.
type BackupService struct {
	db     *DB
	config config.BackupConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	s := &BackupService{db: db, config: cfg, logger: zerolog.Nop(), now: time.Now}
	if logger != nil {
		s.logger = logger.With().Str("component", "backup").Logger()
	}
	return s
}

// Start runs a backup immediately and then on every tick until ctx is done.
func (s *BackupService) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info().Msg("backup service is disabled")
		return
	}
	if s.db == nil || s.db.Driver() != DriverSQLite {
		s.logger.Warn().Msg("backups are only supported for sqlite3")
		return
	}

	interval := 24 * time.Hour
	if s.config.Schedule != "" {
		if d, err := time.ParseDuration(s.config.Schedule); err == nil && d > 0 {
			interval = d
		} else {
			s.logger.Warn().Str("schedule", s.config.Schedule).Msg("invalid backup schedule, using 24h")
		}
	}
	s.logger.Info().Dur("interval", interval).Msg("backup service started")

	if _, err := s.PerformBackup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial backup failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PerformBackup(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduled backup failed")
			}
			s.CleanupOldBackups()
		}
	}
}

// PerformBackup writes a consistent copy of the database with VACUUM INTO
// and returns its path.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if s.db == nil || s.db.Driver() != DriverSQLite {
		return "", errors.New("backup requires a sqlite3 database")
	}
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := fmt.Sprintf("%s%s.db", backupPrefix, s.now().UTC().Format("20060102_150405.000"))
	path := filepath.Join(s.config.StoragePath, name)
	quoted := strings.ReplaceAll(path, "'", "''")

	start := time.Now()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}

	s.logger.Info().Str("path", path).Dur("took", time.Since(start)).Msg("backup completed")
	return path, nil
}

// CleanupOldBackups removes backups older than the retention window and
// reports how many were deleted.
func (s *BackupService) CleanupOldBackups() int {
	if s.config.RetentionDays <= 0 {
		return 0
	}

	files, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read backup directory")
		return 0
	}

	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
	removed := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), backupPrefix) {
			continue
		}
		info, err := file.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.config.StoragePath, file.Name())); err != nil {
			s.logger.Warn().Err(err).Str("file", file.Name()).Msg("failed to delete old backup")
			continue
		}
		s.logger.Info().Str("file", file.Name()).Msg("old backup deleted")
		removed++
	}
	return removed
}
