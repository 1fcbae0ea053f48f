package pvforecast

import (
	"testing"
	"time"

	"github.com/cepro/eosconnect/config"
	"github.com/cepro/eosconnect/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderServesDefaultsBeforeFirstFetch(t *testing.T) {
	provider := New(map[string]config.PvPlantConfig{}, time.UTC)

	forecast := provider.Forecast()
	require.Len(t, forecast, telemetry.PlanHours)
	for _, value := range forecast {
		assert.Equal(t, 0.0, value)
	}

	temperature := provider.Temperature()
	require.Len(t, temperature, telemetry.PlanHours)
	assert.Equal(t, defaultTemperatureC, temperature[0])
}

func TestEstimateFromSunPosition(t *testing.T) {
	plant := config.PvPlantConfig{
		Lat:                48.2,
		Lon:                16.4,
		PowerWp:            10000,
		PowerInverterW:     8000,
		InverterEfficiency: 0.95,
	}
	// a midsummer day in Vienna
	vienna, err := time.LoadLocation("Europe/Vienna")
	require.NoError(t, err)
	midnight := time.Date(2025, 6, 21, 0, 0, 0, 0, vienna)

	estimate := estimateFromSunPosition(plant, midnight)
	require.Len(t, estimate, telemetry.PlanHours)

	assert.Equal(t, 0.0, estimate[1], "no production at night")
	assert.Greater(t, estimate[12], 1000.0, "solid production around noon")
	assert.Greater(t, estimate[12], estimate[7], "noon beats early morning")

	for _, value := range estimate {
		assert.GreaterOrEqual(t, value, 0.0)
		assert.LessOrEqual(t, value, plant.PowerInverterW, "capped at the inverter rating")
	}

	// the second day repeats the bell shape
	assert.Greater(t, estimate[36], 1000.0)
}

func TestNormalizeLength(t *testing.T) {
	// DST days deliver 47 or 49 entries
	short := make([]float64, 47)
	short[46] = 123
	normalized := normalizeLength(short)
	require.Len(t, normalized, telemetry.PlanHours)
	assert.Equal(t, 123.0, normalized[47])

	long := make([]float64, 49)
	assert.Len(t, normalizeLength(long), telemetry.PlanHours)
}

func TestPlantOrderingIsStable(t *testing.T) {
	plants := map[string]config.PvPlantConfig{
		"roof_west":  {Lat: 2},
		"roof_east":  {Lat: 1},
		"roof_south": {Lat: 3},
	}

	provider := New(plants, time.UTC)
	require.Len(t, provider.plants, 3)
	assert.Equal(t, 1.0, provider.plants[0].Lat) // roof_east sorts first
	assert.Equal(t, 3.0, provider.plants[1].Lat)
	assert.Equal(t, 2.0, provider.plants[2].Lat)
}
