package fronius

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/cepro/eosconnect/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllWeekRule(t *testing.T) {
	rule := allWeekRule("CHARGE_MIN", 3200.7)

	assert.True(t, rule.Active)
	assert.Equal(t, 3200, rule.Power)
	assert.Equal(t, "CHARGE_MIN", rule.ScheduleType)
	assert.Equal(t, touTimeTable{Start: "00:00", End: "23:59"}, rule.TimeTable)
	assert.Equal(t, touWeekdays{Mon: true, Tue: true, Wed: true, Thu: true, Fri: true, Sat: true, Sun: true}, rule.Weekdays)

	content, err := json.Marshal(rule)
	require.NoError(t, err)
	// the inverter API wants capitalized keys
	assert.Contains(t, string(content), `"ScheduleType":"CHARGE_MIN"`)
	assert.Contains(t, string(content), `"Mon":true`)
}

// fakeGen24 emulates the inverter's digest handshake and timeofuse endpoints.
type fakeGen24 struct {
	t *testing.T

	rules        []touRule // rule set served on reads
	writtenRules []touRule // last rule set accepted on a write
	writes       int
}

func (f *fakeGen24) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/config/timeofuse") {
			http.NotFound(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r) // pre-1.36.5 firmware layout
			return
		}
		if r.Header.Get("Authorization") == "" {
			w.Header().Set("X-WWW-Authenticate",
				`Digest realm="Webinterface area", nonce="testnonce", algorithm="SHA256", qop="auth"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string][]touRule{"timeofuse": f.rules})
		case http.MethodPost:
			var payload map[string][]touRule
			require.NoError(f.t, json.NewDecoder(r.Body).Decode(&payload))
			f.writtenRules = payload["timeofuse"]
			f.writes++
			fmt.Fprint(w, `{"writeSuccess": ["timeofuse"]}`)
		}
	}
}

func newTestGen24(t *testing.T, fake *fakeGen24) *Gen24 {
	t.Helper()

	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	// keep the timeofuse backup file out of the repository
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	return NewGen24(config.InverterConfig{
		Type:               "fronius_gen24",
		Address:            strings.TrimPrefix(server.URL, "http://"),
		User:               "Customer",
		Password:           "secret",
		MaxGridChargeRateW: 5000,
		MaxPvChargeRateW:   8000,
	}, false)
}

func TestGen24ForceChargeWritesChargeMinRule(t *testing.T) {
	fake := &fakeGen24{t: t}
	inverter := newTestGen24(t, fake)

	require.NoError(t, inverter.SetModeForceCharge(3000))

	require.Len(t, fake.writtenRules, 1)
	assert.Equal(t, "CHARGE_MIN", fake.writtenRules[0].ScheduleType)
	assert.Equal(t, 3000, fake.writtenRules[0].Power)
}

func TestGen24ForceChargeIsCapped(t *testing.T) {
	fake := &fakeGen24{t: t}
	inverter := newTestGen24(t, fake)

	require.NoError(t, inverter.SetModeForceCharge(9000))

	require.Len(t, fake.writtenRules, 1)
	assert.Equal(t, 5000, fake.writtenRules[0].Power, "capped at the configured grid charge rate")
}

func TestGen24AvoidDischarge(t *testing.T) {
	fake := &fakeGen24{t: t}
	inverter := newTestGen24(t, fake)

	require.NoError(t, inverter.SetModeAvoidDischarge())

	require.Len(t, fake.writtenRules, 2)
	assert.Equal(t, "DISCHARGE_MAX", fake.writtenRules[0].ScheduleType)
	assert.Equal(t, 0, fake.writtenRules[0].Power)
	assert.Equal(t, "CHARGE_MAX", fake.writtenRules[1].ScheduleType)
	assert.Equal(t, 8000, fake.writtenRules[1].Power)
}

func TestGen24AllowDischargeUsesCurrentPvRate(t *testing.T) {
	fake := &fakeGen24{t: t}
	inverter := newTestGen24(t, fake)

	inverter.SetMaxPvChargeRateW(4200)
	require.NoError(t, inverter.SetModeAllowDischarge())

	require.Len(t, fake.writtenRules, 1)
	assert.Equal(t, "CHARGE_MAX", fake.writtenRules[0].ScheduleType)
	assert.Equal(t, 4200, fake.writtenRules[0].Power)

	// negative rates are refused and keep the previous cap
	inverter.SetMaxPvChargeRateW(-1)
	require.NoError(t, inverter.SetModeAllowDischarge())
	assert.Equal(t, 4200, fake.writtenRules[0].Power)
}

func TestGen24ModeDerivation(t *testing.T) {
	tests := []struct {
		name     string
		rules    []touRule
		expected string
	}{
		{
			name:     "Charge min rule means force charge",
			rules:    []touRule{allWeekRule("CHARGE_MIN", 3000)},
			expected: "charge",
		},
		{
			name:     "Discharge block means hold",
			rules:    []touRule{allWeekRule("DISCHARGE_MAX", 0)},
			expected: "hold",
		},
		{
			name:     "Charge max only is normal operation",
			rules:    []touRule{allWeekRule("CHARGE_MAX", 8000)},
			expected: "normal",
		},
		{
			name:     "No rules at all is normal operation",
			rules:    nil,
			expected: "normal",
		},
		{
			name: "Inactive rules are ignored",
			rules: []touRule{
				{Active: false, ScheduleType: "CHARGE_MIN", Power: 3000},
			},
			expected: "normal",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fake := &fakeGen24{t: t, rules: test.rules}
			inverter := newTestGen24(t, fake)
			assert.Equal(t, test.expected, inverter.Mode())
		})
	}
}

func TestGen24BackupAndRestore(t *testing.T) {
	original := []touRule{allWeekRule("CHARGE_MAX", 1234)}
	fake := &fakeGen24{t: t, rules: original}
	inverter := newTestGen24(t, fake)

	// the first write snapshots the active rules
	require.NoError(t, inverter.SetModeForceCharge(3000))
	_, err := os.Stat(backupFilename)
	require.NoError(t, err)

	writesBefore := fake.writes
	inverter.Shutdown()

	assert.Equal(t, writesBefore+1, fake.writes)
	require.Len(t, fake.writtenRules, 1)
	assert.Equal(t, "CHARGE_MAX", fake.writtenRules[0].ScheduleType)
	assert.Equal(t, 1234, fake.writtenRules[0].Power)

	_, err = os.Stat(backupFilename)
	assert.True(t, os.IsNotExist(err), "the backup file is removed after a restore")
}

func TestGen24ShutdownWithoutWrites(t *testing.T) {
	fake := &fakeGen24{t: t}
	inverter := newTestGen24(t, fake)

	inverter.Shutdown()
	assert.Equal(t, 0, fake.writes, "nothing to restore when nothing was written")
}
