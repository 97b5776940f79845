package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const basicConfig = `
[Server]
Identifier = "mix01.example.com"
DataDir = "/tmp/mixnode-test"

[Logging]
Level = "DEBUG"
`

func TestLoadBasicConfig(t *testing.T) {
	require := require.New(t)
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err)
	require.Equal("mix01.example.com", cfg.Server.Identifier)
	require.Equal(4, cfg.Ingress.Workers)
	require.Equal("5m", cfg.RateLimit.BanDuration)
}

func TestLoadRejectsMissingIdentifier(t *testing.T) {
	require := require.New(t)
	_, err := Load([]byte(`
[Server]
DataDir = "/tmp/mixnode-test"
`))
	require.Error(err)
}

func TestLoadRejectsZeroWorkers(t *testing.T) {
	require := require.New(t)
	_, err := Load([]byte(basicConfig + "\n[Ingress]\nWorkers = 0\n"))
	require.Error(err)
}

func TestLoadRejectsNegativeWorkers(t *testing.T) {
	require := require.New(t)
	_, err := Load([]byte(basicConfig + "\n[Ingress]\nWorkers = -1\n"))
	require.Error(err)
}

func TestLoadRejectsMalformedBanDuration(t *testing.T) {
	require := require.New(t)
	_, err := Load([]byte(basicConfig + "\n[RateLimit]\nBanDuration = \"not-a-duration\"\n"))
	require.Error(err)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	require := require.New(t)
	_, err := Load([]byte("this is not [valid toml"))
	require.Error(err)
}

func TestDebugDefaultsLeaveCoverTrafficDisabled(t *testing.T) {
	require := require.New(t)
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err)
	require.True(cfg.Debug.DisableCoverTraffic, "cover traffic should be opt-in by default")
}

func TestDebugExplicitEnableOverridesDefault(t *testing.T) {
	require := require.New(t)
	cfg, err := Load([]byte(basicConfig + "\n[Debug]\nDisableCoverTraffic = false\n"))
	require.NoError(err)
	require.False(cfg.Debug.DisableCoverTraffic)
}
