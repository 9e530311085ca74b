package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
upstream:
  base_url: https://rfq.example.com
  auth_token: secret
  chain_id: 1
fix:
  host: 0.0.0.0
  sessions:
    - sender_comp_id: CPTY1
      target_comp_id: BRIDGE
      counterparty_id: cp-1
counterparties:
  - id: cp-1
    active: true
    fee_rate_bps: -1
`

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 30_000, cfg.Upstream.TimeoutMS)
	assert.Equal(t, 3, cfg.Upstream.MaxRetries)
	assert.Equal(t, "0.0.0.0:9878", cfg.FIX.ListenAddr())
	assert.Equal(t, 5000, cfg.Rate.RefreshIntervalMS)
	assert.Equal(t, "memory", cfg.Rate.Backend)
	assert.Equal(t, 30, cfg.Lifecycle.DefaultQuoteValidityS)
	assert.Equal(t, 2000, cfg.Bridge.RefreshIntervalMS)
	assert.Equal(t, "mirror", cfg.Bridge.Strategy)
	assert.Equal(t, "memory", cfg.Journal.Backend)
	assert.Equal(t, "local", cfg.Signer.Mode)

	require.Len(t, cfg.FIX.Sessions, 1)
	assert.Equal(t, "FIX.4.4", cfg.FIX.Sessions[0].Version)
	assert.Equal(t, 30, cfg.FIX.Sessions[0].HeartbeatSec)

	require.Len(t, cfg.Counterparties, 1)
	assert.Equal(t, -1, cfg.Counterparties[0].FeeRateBps)
}

func TestLoad_MissingRequiredFieldsFatal(t *testing.T) {
	cases := map[string]string{
		"no base url": `
upstream:
  auth_token: secret
  chain_id: 1
`,
		"no auth token": `
upstream:
  base_url: https://rfq.example.com
  chain_id: 1
`,
		"no chain id": `
upstream:
  base_url: https://rfq.example.com
  auth_token: secret
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_SessionValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
upstream:
  base_url: https://rfq.example.com
  auth_token: secret
  chain_id: 1
fix:
  sessions:
    - sender_comp_id: CPTY1
      target_comp_id: BRIDGE
      counterparty_id: cp-1
    - sender_comp_id: CPTY1
      target_comp_id: BRIDGE
      counterparty_id: cp-2
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate fix session")
}

func TestLoad_RedisBackendRequiresAddr(t *testing.T) {
	_, err := Load(writeConfig(t, `
upstream:
  base_url: https://rfq.example.com
  auth_token: secret
  chain_id: 1
rate:
  backend: redis
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis_addr")
}

func TestLoad_UnknownStrategyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
upstream:
  base_url: https://rfq.example.com
  auth_token: secret
  chain_id: 1
bridge:
  strategy: martingale
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy")
}
