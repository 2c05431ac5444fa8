package model_test

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/etf-validator/etfd/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  listen: ":9090"
  database: /var/lib/etfd/etfd.db
  reports: /var/lib/etfd/reports
pool:
  size: 2
  queue: 8
sweeper:
  duration: PT1M
transient:
  ttl: PT7M
driver:
  type: command
  path: /usr/bin/etf-driver
  args:
    - --quiet
  timeout: PT2H
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Service.Listen)
	require.Equal(t, "/var/lib/etfd/etfd.db", cfg.Service.Database)
	require.NotNil(t, cfg.Service.Reports)
	require.Equal(t, "/var/lib/etfd/reports", *cfg.Service.Reports)
	require.Equal(t, model.DriverCommand, cfg.Driver.Type)
	require.Equal(t, []string{"--quiet"}, cfg.Driver.Args)
	// defaults from the schema
	require.Equal(t, "PT1.5S", cfg.Progress.TerminalPause)
	require.Equal(t, 10, cfg.Driver.Steps)

	rt, err := cfg.Runtime()
	require.NoError(t, err)
	require.Equal(t, 2, rt.PoolSize)
	require.Equal(t, 8, rt.QueueLen)
	require.Equal(t, time.Minute, rt.SweepEvery)
	require.Equal(t, 7*time.Minute, rt.TransientTTL)
	require.Equal(t, 1500*time.Millisecond, rt.TerminalPause)
	require.Equal(t, 2*time.Hour, rt.DriverTimeout)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\n"))
	require.NoError(t, err)
	require.Equal(t, model.DefaultListen, cfg.Service.Listen)
	require.Equal(t, model.DriverSimulated, cfg.Driver.Type)

	rt, err := cfg.Runtime()
	require.NoError(t, err)
	require.Equal(t, runtime.NumCPU(), rt.PoolSize)
	require.Equal(t, rt.PoolSize, rt.QueueLen)
	require.Equal(t, 7*time.Minute+30*time.Second, rt.SweepEvery)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"unknown field", "version: 0\npool:\n  workers: 3\n", "workers"},
		{"negative pool", "version: 0\npool:\n  size: -1\n", "pool.size"},
		{"bad driver type", "version: 0\ndriver:\n  type: docker\n", "driver.type"},
		{"command without path", "version: 0\ndriver:\n  type: command\n", "driver.path"},
		{"bad ttl", "version: 0\ntransient:\n  ttl: P2M\n", "transient.ttl"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.then)
			require.NotEmpty(t, model.CueErrDetails(err))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig(t.Context())
	_, err := cfg.Runtime()
	require.NoError(t, err)
}
