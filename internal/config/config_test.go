package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
switch:
  ami:
    host: pbx.local
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "ami", cfg.Switch.Driver)
	require.Equal(t, "pbx.local:5038", cfg.Switch.AMI.Addr())
	require.Equal(t, 5, cfg.Dialer.DefaultConcurrency)
	require.Equal(t, 15*time.Second, cfg.Dialer.WaitGrace)
	require.Equal(t, "campaign-hold", cfg.Switch.Contexts.Hold)
	require.Equal(t, 60, cfg.Billing.IncrementSeconds)
	require.Equal(t, "dialer.control", cfg.Kafka.ControlTopic)
}

func TestLoadReadsOverrides(t *testing.T) {
	path := writeConfig(t, `
app:
  name: dialer-test
  env: production
switch:
  driver: fake
dialer:
  default_concurrency: 12
  wait_grace: 3s
kafka:
  brokers: ["k1:9092", "k2:9092"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "dialer-test", cfg.App.Name)
	require.Equal(t, 12, cfg.Dialer.DefaultConcurrency)
	require.Equal(t, 3*time.Second, cfg.Dialer.WaitGrace)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
switch:
  driver: fake
`)
	t.Setenv("DIALER_DIALER_DEFAULT_MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Dialer.DefaultMaxAttempts)
}

func TestValidateRejectsMissingValues(t *testing.T) {
	cases := map[string]string{
		"ami host": `
switch:
  driver: ami
`,
		"unknown driver": `
switch:
  driver: sip
`,
		"mqtt broker": `
switch:
  driver: fake
mqtt:
  enabled: true
`,
		"jwt secret": `
switch:
  driver: fake
auth:
  enabled: true
`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
