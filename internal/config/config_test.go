package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomops/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Guardrails.MaxEntitiesKickPerCycle)
	assert.InDelta(t, 0.3, cfg.Guardrails.ChangeThreshold, 1e-9)
	assert.True(t, cfg.Guardrails.RequireConfirmHeader)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 1000, cfg.Audit.Capacity)
	assert.Equal(t, "team", cfg.PolicyDefaultDMVisibility)
	assert.Equal(t, 10*time.Second, cfg.RuntimeTimeout())
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
guardrails:
  max_entities_kick_per_cycle: 2
  change_threshold: 0.5
audit:
  capacity: 10
  kafka:
    brokers: [localhost:9092]
    topic: room-audit
`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Guardrails.MaxEntitiesKickPerCycle)
	assert.Equal(t, 10, cfg.Guardrails.MaxArtifactsDeletePerCycle)
	assert.Equal(t, 10, cfg.Audit.Capacity)
	assert.Equal(t, "room-audit", cfg.Audit.Kafka.Topic)
	assert.Equal(t, "0.3.0", cfg.Operator.Version)
}

func TestFromYAMLRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"threshold":     "guardrails:\n  change_threshold: 1.5\n",
		"attempts":      "retry:\n  max_attempts: 0\n",
		"kafka topic":   "audit:\n  kafka:\n    brokers: [b:9092]\n",
		"dm visibility": "policy_default_dm_visibility: everyone\n",
		"unknown field": "nonsense: true\n",
		"log format":    "log:\n  format: xml\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	_, err = config.Load(dir)
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("seed_dir: seeds\n"), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "seeds", cfg.SeedDir)
}

func TestEmptyDocumentYieldsDefaults(t *testing.T) {
	cfg, err := config.FromYAML(nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}
