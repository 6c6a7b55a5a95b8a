package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load(t *testing.T) {
	t.Run("default load", func(t *testing.T) {
		// given
		expectedConfig := getDefaultConfig()

		// when
		actualConfig, err := Load()
		require.NoError(t, err, "error loading config")

		// then
		assert.Equal(t, expectedConfig, actualConfig)
	})

	t.Run("partial file override", func(t *testing.T) {
		// given
		expectedConfig := getDefaultConfig()

		// when
		actualConfig, err := Load("./test_files/")
		require.NoError(t, err, "error loading config")

		// then
		// verify not overridden default values
		assert.Equal(t, expectedConfig.Db.Postgres.Port, actualConfig.Db.Postgres.Port)
		assert.Equal(t, expectedConfig.Coordinator.MaxPendingBlocks, actualConfig.Coordinator.MaxPendingBlocks)
		assert.Equal(t, expectedConfig.Coordinator.StatCollectionInterval, actualConfig.Coordinator.StatCollectionInterval)

		// verify correct override
		assert.Equal(t, "INFO", actualConfig.LogLevel)
		assert.Equal(t, "json", actualConfig.LogFormat)
		assert.Equal(t, "nats://localhost:4222", actualConfig.QueueURL)
		assert.Equal(t, "memory", actualConfig.Db.Mode)
		assert.Equal(t, uint64(12), actualConfig.Coordinator.OrphanGraceBlocks)
		assert.Equal(t, uint64(3), actualConfig.Coordinator.RevertWindowBlocks)
		require.NotNil(t, actualConfig.Tracing)
		assert.True(t, actualConfig.Tracing.Enabled)
		assert.Equal(t, "http://tracing:1234", actualConfig.Tracing.DialAddr)
	})

	t.Run("missing config dir", func(t *testing.T) {
		_, err := Load("./does_not_exist/")
		require.ErrorIs(t, err, ErrConfigPath)
	})
}
