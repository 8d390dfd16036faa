package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rpcsJSON = `[{"chainId":1,"label":"mainnet","endpoints":[
	{"id":"p1","url":"https://rpc-a.example","priority":0},
	{"id":"p2","url":"https://rpc-b.example","priority":1,"cooldownMs":30000}
]}]`

func setBaseEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/indexer_test")
	t.Setenv("INDEXER_EVENT_RPCS", rpcsJSON)
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, cfg.DatabaseURL, cfg.QueueURL)
	assert.Equal(t, 4005, cfg.Port)
	assert.Equal(t, 6*time.Second, cfg.PollInterval)
	assert.Equal(t, 200, cfg.MaxBatchSize)
	assert.Equal(t, 3, cfg.RPCFailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.RPCCooldown)
	assert.Equal(t, 60*time.Second, cfg.RegistryRefresh)

	require.Len(t, cfg.Chains, 1)
	chain := cfg.Chains[0]
	assert.Equal(t, uint64(1), chain.ChainID)
	require.Len(t, chain.Endpoints, 2)
	assert.True(t, chain.Endpoints[0].IsEnabled())
	assert.Equal(t, int64(30000), chain.Endpoints[1].CooldownMs)
}

func TestLoadQueueURLOverride(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PG_BOSS_URL", "postgres://localhost/queue_test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/queue_test", cfg.QueueURL)
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("INDEXER_EVENT_RPCS", rpcsJSON)

	_, err := Load()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadInvalidRPCJSON(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/indexer_test")
	t.Setenv("INDEXER_EVENT_RPCS", "{not json")

	_, err := Load()
	assert.ErrorContains(t, err, "INDEXER_EVENT_RPCS")
}

func TestLoadZeroEndpoints(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/indexer_test")
	t.Setenv("INDEXER_EVENT_RPCS", `[{"chainId":5,"endpoints":[]}]`)

	_, err := Load()
	assert.ErrorContains(t, err, "zero endpoints")
}

func TestLoadPollIntervalFloor(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("INDEXER_EVENT_POLL_INTERVAL_MS", "100")

	_, err := Load()
	assert.ErrorContains(t, err, "POLL_INTERVAL")
}

func TestLoadYAMLPoolFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rpcs.yaml")
	doc := `chains:
  - chain_id: 137
    label: polygon
    endpoints:
      - id: poly-1
        url: https://poly.example
        priority: 0
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	t.Setenv("DATABASE_URL", "postgres://localhost/indexer_test")
	t.Setenv("INDEXER_EVENT_RPCS", "")
	t.Setenv("INDEXER_EVENT_RPC_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, uint64(137), cfg.Chains[0].ChainID)
	assert.Equal(t, "poly-1", cfg.Chains[0].Endpoints[0].ID)
}

func TestLoadNoEndpointsConfigured(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/indexer_test")
	t.Setenv("INDEXER_EVENT_RPCS", "")
	t.Setenv("INDEXER_EVENT_RPC_FILE", "")

	_, err := Load()
	assert.ErrorContains(t, err, "no RPC endpoints")
}
