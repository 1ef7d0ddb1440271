package services

import (
	"testing"
	"time"

	"bounty-escrow-service/bounty"
	"bounty-escrow-service/models"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Bounty{}, &models.Submission{}))
	return db
}

func newAddress() string {
	return crypto.GenerateAccount().Address.String()
}

func uptr(v uint64) *uint64 { return &v }

func sampleBounty(client string) *models.Bounty {
	return &models.Bounty{
		Title:           "Port the indexer",
		Description:     "Port the indexer to the new box layout",
		Tags:            []string{"go", "algorand"},
		ClientAddress:   client,
		VerifierAddress: client,
		AmountMicro:     5_000_000,
		Deadline:        time.Now().UTC().Add(7 * 24 * time.Hour).Truncate(time.Second),
		Status:          bounty.StatusOpen,
	}
}
