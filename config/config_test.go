package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
eos:
  server: 192.168.1.10
`)

	cfg, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.10", cfg.Eos.Server)
	assert.Equal(t, 8503, cfg.Eos.Port)
	assert.Equal(t, "http://192.168.1.10:8503", cfg.Eos.BaseURL())
	assert.Equal(t, 180*time.Second, cfg.Eos.Timeout())

	assert.Equal(t, "default", cfg.Price.Source)
	assert.Equal(t, "default", cfg.Battery.Source)
	assert.Equal(t, 11059.0, cfg.Battery.CapacityWh)
	assert.Equal(t, "smooth", cfg.Battery.ChargeCurve)
	assert.Equal(t, "none", cfg.Inverter.Type)
	assert.Equal(t, 3*time.Minute, cfg.RefreshInterval())
	assert.Equal(t, "Europe/Berlin", cfg.TimeZone)
	assert.Equal(t, 8081, cfg.WebPort)
	assert.Equal(t, "eos_connect", cfg.Mqtt.Topic)
	assert.Equal(t, "homeassistant", cfg.Mqtt.DiscoveryPrefix)
}

func TestReadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
eos:
  server: eos.local
  port: 8080
  timeout: 60
refresh_time: 5
time_zone: Europe/Vienna
battery:
  max_soc_percentage: 90
  price_euro_per_wh_accu: 0.000015
pv_forecast:
  roof_south:
    lat: 48.2
    lon: 16.4
    azimuth: 0
    tilt: 30
    power: 9800
inverter:
  type: fronius_gen24
  address: 192.168.1.12
  max_grid_charge_rate: 7000
`)

	cfg, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, "http://eos.local:8080", cfg.Eos.BaseURL())
	assert.Equal(t, 5*time.Minute, cfg.RefreshInterval())
	assert.Equal(t, "Europe/Vienna", cfg.TimeZone)
	assert.Equal(t, 90.0, cfg.Battery.MaxSocPct)
	assert.Equal(t, 0.000015, cfg.Battery.WearCostEurPerWh)
	assert.Equal(t, "fronius_gen24", cfg.Inverter.Type)
	assert.Equal(t, 7000.0, cfg.Inverter.MaxGridChargeRateW)

	require.Contains(t, cfg.PvForecast, "roof_south")
	assert.Equal(t, 48.2, cfg.PvForecast["roof_south"].Lat)
	assert.Equal(t, 9800.0, cfg.PvForecast["roof_south"].PowerWp)
}

func TestReadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "Missing EOS server",
			content: "time_zone: Europe/Berlin\n",
		},
		{
			name: "Unknown time zone",
			content: `
eos:
  server: eos.local
time_zone: Mars/Olympus
`,
		},
		{
			name: "Solver timeout exceeds the refresh interval",
			content: `
eos:
  server: eos.local
  timeout: 600
refresh_time: 3
`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Read(writeConfig(t, test.content))
			assert.Error(t, err)
		})
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TIBBER_TOKEN", "token-from-env")
	t.Setenv("INVERTER_PASSWORD", "hunter2")

	path := writeConfig(t, `
eos:
  server: eos.local
price:
  source: tibber
  token: token-from-file
`)

	cfg, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, "token-from-env", cfg.Price.Token)
	assert.Equal(t, "hunter2", cfg.Inverter.Password)
}
