package main

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/crewflow/config"
	"github.com/BaSui01/crewflow/internal/metrics"
)

func TestServer_StorageUsesPoolManager(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = ":memory:"
	cfg.Database.MaxOpenConns = 1
	cfg.Redis.Addr = ""

	s := NewServer(cfg, zaptest.NewLogger(t))
	s.metricsCollector = metrics.NewCollectorWithRegisterer("crewflow_test",
		prometheus.NewRegistry(), nil)

	require.NoError(t, s.initStorage())
	defer s.Shutdown()

	require.NotNil(t, s.pool, "serve path goes through the pool manager")
	require.NotNil(t, s.db)
	assert.Equal(t, 1, s.pool.Stats().MaxOpenConnections,
		"configured pool limit is applied to the connection")

	require.NoError(t, s.initServices())
	assert.NoError(t, s.pool.Ping(context.Background()))
}
