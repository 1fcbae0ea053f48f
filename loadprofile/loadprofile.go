// Package loadprofile synthesises a 48 hour household load forecast from
// historical sensor data, with controllable loads subtracted and the same
// weekdays of previous weeks averaged.
package loadprofile

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/cepro/eosconnect/config"
	"github.com/cepro/eosconnect/telemetry"
	timeutils "github.com/cepro/eosconnect/time_utils"
)

const secondsPerHour = 3600.0

// Builder produces the load forecast for the optimize request.
type Builder struct {
	cfg      config.LoadConfig
	location *time.Location
	source   HistorySource
	logger   *slog.Logger

	now func() time.Time // injectable for tests
}

func New(cfg config.LoadConfig, location *time.Location) *Builder {
	b := &Builder{
		cfg:      cfg,
		location: location,
		logger:   slog.Default().With("component", "load"),
		now:      time.Now,
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	switch cfg.Source {
	case "openhab":
		b.source = &openhabSource{baseURL: cfg.URL, httpClient: httpClient, logger: b.logger}
	case "homeassistant":
		b.source = &homeassistantSource{baseURL: cfg.URL, accessToken: cfg.AccessToken, httpClient: httpClient, logger: b.logger}
	}
	return b
}

// LoadProfile returns 48 hourly energy values in Wh starting at today's
// midnight. With no history source configured the synthetic default profile
// is served.
func (b *Builder) LoadProfile() []float64 {
	if b.source == nil {
		b.logger.Info("Using the built-in default load profile")
		return DefaultProfile()
	}

	midnight := timeutils.StartOfDay(b.now().In(b.location))

	// today's weekday is represented by the same weekday one and two weeks
	// back, tomorrow's by the day after those
	today := b.combinedDay(midnight.AddDate(0, 0, -7), midnight.AddDate(0, 0, -14))
	tomorrow := b.combinedDay(midnight.AddDate(0, 0, -6), midnight.AddDate(0, 0, -13))

	profile := append(today, tomorrow...)

	if !hasEnergy(profile) {
		b.logger.Info("Weekday history empty, falling back to yesterday's profile doubled")
		yesterday := b.profileForDay(midnight.AddDate(0, 0, -1), midnight)
		if hasEnergy(yesterday) {
			profile = append(append([]float64(nil), yesterday...), yesterday...)
		} else {
			b.logger.Warn("No usable load history at all, using the built-in default profile")
			profile = DefaultProfile()
		}
	}

	return normalizeLength(profile)
}

// combinedDay averages the two 24 hour windows per hour. The older window is
// only used when it is complete, otherwise the newer one stands alone.
func (b *Builder) combinedDay(newer, older time.Time) []float64 {
	newerProfile := b.profileForDay(newer, newer.AddDate(0, 0, 1))
	olderProfile := b.profileForDay(older, older.AddDate(0, 0, 1))

	combined := make([]float64, len(newerProfile))
	for i, value := range newerProfile {
		if len(olderProfile) >= 24 && i < len(olderProfile) {
			combined[i] = (value + olderProfile[i]) / 2
		} else {
			combined[i] = value
		}
	}
	return combined
}

// profileForDay aggregates each hour bucket of the window into an average
// load, subtracting the configured controllable loads.
func (b *Builder) profileForDay(start, end time.Time) []float64 {
	var profile []float64

	for hour := start; hour.Before(end); hour = hour.Add(time.Hour) {
		next := hour.Add(time.Hour)

		mainSamples := fetchWithRetry(b.source, b.logger, b.cfg.LoadSensor, hour, next)
		energy := math.Abs(timeWeightedAverage(mainSamples, next))

		var controllable float64
		for _, sensor := range []string{b.cfg.CarChargeLoadSensor, b.cfg.AdditionalLoad1} {
			if sensor == "" {
				continue
			}
			samples := fetchWithRetry(b.source, b.logger, sensor, hour, next)
			controllable += math.Abs(timeWeightedAverage(samples, next))
		}

		switch {
		case controllable <= energy:
			energy -= controllable
		case controllable > 0:
			b.logger.Warn("Main load smaller than controllable load, keeping main value",
				"hour", hour, "load_wh", energy, "controllable_wh", controllable)
		}

		// legacy workaround for OpenHAB setups without a separate car sensor
		if b.cfg.Source == "openhab" && b.cfg.CarChargeLoadSensor == "" {
			energy = b.stripEvContamination(energy, hour)
		}

		profile = append(profile, energy)
	}

	return profile
}

// stripEvContamination removes EV charging energy from a raw bucket using the
// configured empirical thresholds.
func (b *Builder) stripEvContamination(energy float64, hour time.Time) float64 {
	switch {
	case energy > b.cfg.EvExcessThreshold1:
		b.logger.Debug("Subtracting EV charge energy from bucket", "hour", hour, "threshold", b.cfg.EvExcessThreshold1)
		return energy - b.cfg.EvExcessThreshold1
	case energy > b.cfg.EvExcessThreshold2:
		b.logger.Debug("Subtracting EV charge energy from bucket", "hour", hour, "threshold", b.cfg.EvExcessThreshold2)
		return energy - b.cfg.EvExcessThreshold2
	}
	return energy
}

// timeWeightedAverage integrates the sample series over the bucket: each
// sample's value holds until the next sample's timestamp. When the covered
// duration falls short of the full hour, the last value is extended to the
// bucket end.
func timeWeightedAverage(samples []Sample, bucketEnd time.Time) float64 {
	if len(samples) == 0 {
		return 0
	}

	var totalEnergy, totalDuration float64
	for i := 0; i < len(samples)-1; i++ {
		duration := samples[i+1].Time.Sub(samples[i].Time).Seconds()
		if duration <= 0 {
			continue
		}
		totalEnergy += samples[i].State * duration
		totalDuration += duration
	}

	if totalDuration < secondsPerHour {
		last := samples[len(samples)-1]
		remaining := bucketEnd.Sub(last.Time).Seconds()
		if remaining > 0 {
			totalEnergy += last.State * remaining
			totalDuration += remaining
		}
	}

	if totalDuration <= 0 {
		return 0
	}
	return totalEnergy / totalDuration
}

func hasEnergy(profile []float64) bool {
	for _, value := range profile {
		if value > 0 {
			return true
		}
	}
	return false
}

func normalizeLength(profile []float64) []float64 {
	if len(profile) > telemetry.PlanHours {
		return profile[:telemetry.PlanHours]
	}
	for len(profile) < telemetry.PlanHours {
		last := 0.0
		if len(profile) > 0 {
			last = profile[len(profile)-1]
		}
		profile = append(profile, last)
	}
	return profile
}

// DefaultProfile is the synthetic two day household curve used when no
// history source is configured or usable.
func DefaultProfile() []float64 {
	day := []float64{
		200, 200, 200, 200, 200, 300,
		350, 400, 350, 300, 300, 550,
		450, 400, 300, 300, 400, 450,
		500, 500, 500, 400, 300, 200,
	}
	return append(append([]float64(nil), day...), day...)
}
