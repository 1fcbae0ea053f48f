// Package config loads the config.yaml file that describes all external
// systems: the EOS solver, data sources, the inverter, EVCC and MQTT.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type EosConfig struct {
	Server      string `yaml:"server"`
	Port        int    `yaml:"port"`
	TimeoutSecs int    `yaml:"timeout"`
}

func (c EosConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Server, c.Port)
}

func (c EosConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

type PriceConfig struct {
	Source            string    `yaml:"source"` // tibber, smartenergy_at, fixed_24h, default (akkudoktor)
	Token             string    `yaml:"token"`
	Fixed24hArray     []float64 `yaml:"fixed_24h_array"`       // ct/kWh per hour of day
	FeedInPriceEurKwh float64   `yaml:"feed_in_price_eur_kwh"` // feed-in tariff
	NegativePriceFeed bool      `yaml:"negative_price_switch"` // zero the feed-in price in negative price hours
}

type LoadConfig struct {
	Source                   string  `yaml:"source"` // openhab, homeassistant, default
	URL                      string  `yaml:"url"`
	LoadSensor               string  `yaml:"load_sensor"`
	CarChargeLoadSensor      string  `yaml:"car_charge_load_sensor"`
	AdditionalLoad1          string  `yaml:"additional_load_1_sensor"`
	AdditionalLoad1Wh        float64 `yaml:"additional_load_1_consumption"` // energy per deferrable run
	AdditionalLoad1RuntimeH  float64 `yaml:"additional_load_1_runtime"`
	AccessToken              string  `yaml:"access_token"`
	EvExcessThreshold1       float64 `yaml:"ev_excess_threshold_1_wh"` // legacy OpenHAB workaround, upper tier
	EvExcessThreshold2       float64 `yaml:"ev_excess_threshold_2_wh"` // legacy OpenHAB workaround, lower tier
}

type BatteryConfig struct {
	Source              string  `yaml:"source"` // openhab, homeassistant, default
	URL                 string  `yaml:"url"`
	SocSensor           string  `yaml:"soc_sensor"`
	AccessToken         string  `yaml:"access_token"`
	CapacityWh          float64 `yaml:"capacity_wh"`
	ChargeEfficiency    float64 `yaml:"charge_efficiency"`
	DischargeEfficiency float64 `yaml:"discharge_efficiency"`
	MaxChargePowerW     float64 `yaml:"max_charge_power_w"`
	MinSocPct           float64 `yaml:"min_soc_percentage"`
	MaxSocPct           float64 `yaml:"max_soc_percentage"`
	WearCostEurPerWh    float64 `yaml:"price_euro_per_wh_accu"` // cycle wear cost handed to the solver
	ChargeCurve         string  `yaml:"charge_curve"` // smooth or linear derating towards full
}

type PvPlantConfig struct {
	Lat                float64 `yaml:"lat"`
	Lon                float64 `yaml:"lon"`
	Azimuth            float64 `yaml:"azimuth"`
	Tilt               float64 `yaml:"tilt"`
	PowerWp            float64 `yaml:"power"`
	PowerInverterW     float64 `yaml:"powerInverter"`
	InverterEfficiency float64 `yaml:"inverterEfficiency"`
	Horizont           string  `yaml:"horizont"`
}

type InverterConfig struct {
	Type               string  `yaml:"type"` // fronius_gen24, fronius_gen24_legacy, evcc, none
	Address            string  `yaml:"address"`
	User               string  `yaml:"user"`
	Password           string  `yaml:"password"`
	MaxGridChargeRateW float64 `yaml:"max_grid_charge_rate"`
	MaxPvChargeRateW   float64 `yaml:"max_pv_charge_rate"`
}

type EvccConfig struct {
	URL                    string `yaml:"url"`
	ExternalBatteryControl bool   `yaml:"external_battery_control"`
}

type MqttConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Topic           string `yaml:"topic"` // base topic, default eos_connect
	AutoDiscovery   bool   `yaml:"ha_mqtt_auto_discovery"`
	DiscoveryPrefix string `yaml:"ha_mqtt_auto_discovery_prefix"`
}

type Config struct {
	Load            LoadConfig               `yaml:"load"`
	Eos             EosConfig                `yaml:"eos"`
	Price           PriceConfig              `yaml:"price"`
	Battery         BatteryConfig            `yaml:"battery"`
	PvForecast      map[string]PvPlantConfig `yaml:"pv_forecast"`
	Inverter        InverterConfig           `yaml:"inverter"`
	Evcc            EvccConfig               `yaml:"evcc"`
	Mqtt            MqttConfig               `yaml:"mqtt"`
	RefreshTimeMins int                      `yaml:"refresh_time"`
	TimeZone        string                   `yaml:"time_zone"`
	WebPort         int                      `yaml:"eos_connect_web_port"`
}

func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshTimeMins) * time.Minute
}

// Read loads and validates the configuration file.
func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	config := defaults()
	err = yaml.Unmarshal(content, &config)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	config.applyEnvOverrides()

	err = config.validate()
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

func defaults() Config {
	return Config{
		Load: LoadConfig{
			Source:             "default",
			EvExcessThreshold1: 10800,
			EvExcessThreshold2: 9200,
		},
		Eos: EosConfig{
			Port:        8503,
			TimeoutSecs: 180,
		},
		Price: PriceConfig{
			Source:            "default",
			FeedInPriceEurKwh: 0,
		},
		Battery: BatteryConfig{
			Source:              "default",
			CapacityWh:          11059,
			ChargeEfficiency:    0.88,
			DischargeEfficiency: 0.88,
			MaxChargePowerW:     5000,
			MinSocPct:           5,
			MaxSocPct:           100,
			ChargeCurve:         "smooth",
		},
		Inverter: InverterConfig{
			Type:               "none",
			MaxGridChargeRateW: 5000,
			MaxPvChargeRateW:   15000,
		},
		Mqtt: MqttConfig{
			Port:            1883,
			Topic:           "eos_connect",
			DiscoveryPrefix: "homeassistant",
		},
		RefreshTimeMins: 3,
		TimeZone:        "Europe/Berlin",
		WebPort:         8081,
	}
}

// applyEnvOverrides lets secrets come from the environment rather than the
// config file. The .env file is loaded by main before Read is called.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TIBBER_TOKEN"); v != "" {
		c.Price.Token = v
	}
	if v := os.Getenv("LOAD_ACCESS_TOKEN"); v != "" {
		c.Load.AccessToken = v
	}
	if v := os.Getenv("BATTERY_ACCESS_TOKEN"); v != "" {
		c.Battery.AccessToken = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.Mqtt.Password = v
	}
	if v := os.Getenv("INVERTER_PASSWORD"); v != "" {
		c.Inverter.Password = v
	}
}

func (c Config) validate() error {
	if c.Eos.Server == "" {
		return fmt.Errorf("eos.server is not configured")
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid time_zone %q: %w", c.TimeZone, err)
	}
	// the solver must answer within one refresh cycle, otherwise runs pile up
	if c.Eos.Timeout() > c.RefreshInterval() {
		return fmt.Errorf("eos timeout (%s) exceeds the refresh interval (%s)", c.Eos.Timeout(), c.RefreshInterval())
	}
	return nil
}
