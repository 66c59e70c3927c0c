package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/offlinekyc/internal/models"
)

func TestAutoMigrateCreatesVerificationTables(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, AutoMigrate(db))

	migrator := db.Migrator()
	require.True(t, migrator.HasTable("verification_records"))
	require.True(t, migrator.HasTable("verification_logs"))
	require.True(t, migrator.HasColumn(&models.VerificationRecord{}, "raw_identifier_sealed"))
	require.True(t, migrator.HasColumn(&models.VerificationRecord{}, "deleted_at"))
	require.True(t, migrator.HasIndex(&models.VerificationLog{}, "idx_verification_log_sequence"))
}

func TestAutoMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, AutoMigrate(db))
	require.NoError(t, AutoMigrate(db))
}
