package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/config"
	"marketsync/internal/models"
)

func TestBackupService(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SetInventory(ctx, "s1", models.InventoryLevel{SKU: "A", Quantity: 3}))

	storagePath := filepath.Join(t.TempDir(), "backups")
	cfg := config.BackupConfig{Enabled: true, StoragePath: storagePath, RetentionDays: 1}
	logger := zerolog.Nop()
	s := NewBackupService(db, cfg, &logger)

	t.Run("PerformBackup", func(t *testing.T) {
		path, err := s.PerformBackup(ctx)
		require.NoError(t, err)
		assert.FileExists(t, path)

		restored, err := NewSQLite(path, nil)
		require.NoError(t, err)
		defer restored.Close()

		levels, err := restored.ListInventory(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, levels, 1)
		assert.Equal(t, int64(3), levels[0].Quantity)
	})

	t.Run("CleanupOldBackups", func(t *testing.T) {
		oldFile := filepath.Join(storagePath, backupPrefix+"old.db")
		require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
		oldTime := time.Now().AddDate(0, 0, -2)
		require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

		unrelated := filepath.Join(storagePath, "notes.txt")
		require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0o644))
		require.NoError(t, os.Chtimes(unrelated, oldTime, oldTime))

		assert.Equal(t, 1, s.CleanupOldBackups())
		assert.NoFileExists(t, oldFile)
		assert.FileExists(t, unrelated)
	})
}

func TestBackupService_Disabled(t *testing.T) {
	s := NewBackupService(nil, config.BackupConfig{Enabled: false}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)

	_, err := s.PerformBackup(ctx)
	assert.Error(t, err)
}
