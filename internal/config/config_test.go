package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdcn/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("alpha")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "alpha", cfg.Network.Name)
	assert.Equal(t, 5*time.Second, cfg.Ledger.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Projection.PollInterval)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestFromYAMLKeepsDefaultsAndParsesSeeds(t *testing.T) {
	cfg, err := FromYAML([]byte(`
network:
  name: bravo
ledger:
  timeout: 2s
seed:
  roles:
    - identity: "0xABC"
      role: strategic
    - identity: "0xdef"
      role: "3"
`))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Ledger.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Projection.PollInterval)

	seeds, err := cfg.Seeds()
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, domain.Identity("0xabc"), seeds[0].Identity)
	assert.Equal(t, domain.RoleStrategic, seeds[0].Role)
	assert.Equal(t, domain.RoleTactical, seeds[1].Role)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad role":    "seed:\n  roles:\n    - identity: 0x1\n      role: general\n",
		"no identity": "seed:\n  roles:\n    - role: strategic\n",
		"base path":   "server:\n  base_path: v0\n",
		"log format":  "log:\n  format: xml\n",
		"burst":       "broadcast:\n  rate: 5\n  burst: 0\n",
		"timeout":     "ledger:\n  timeout: 0s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("charlie")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "charlie", cfg.Network.Name)
}
