package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cepro/eosconnect/basecontrol"
	"github.com/cepro/eosconnect/battery"
	"github.com/cepro/eosconnect/config"
	"github.com/cepro/eosconnect/eosclient"
	"github.com/cepro/eosconnect/evcc"
	"github.com/cepro/eosconnect/fronius"
	"github.com/cepro/eosconnect/loadprofile"
	"github.com/cepro/eosconnect/memlog"
	"github.com/cepro/eosconnect/mqttbridge"
	"github.com/cepro/eosconnect/price"
	"github.com/cepro/eosconnect/pvforecast"
	"github.com/cepro/eosconnect/scheduler"
	"github.com/cepro/eosconnect/webserver"
)

const shutdownGrace = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// secrets may come from a .env file next to the binary
	godotenv.Load()

	logBuffer := memlog.NewBuffer(memlog.DefaultMaxRecords, memlog.DefaultMaxAlerts)
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(memlog.NewHandler(textHandler, logBuffer))
	slog.SetDefault(logger)

	slog.Info("Starting EOS connect...")

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Read(configPath)
	if err != nil {
		slog.Error("Failed to read config", "path", configPath, "error", err)
		return 1
	}

	location, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		slog.Error("Failed to load time location", "time_zone", cfg.TimeZone, "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eos := eosclient.New(cfg.Eos.BaseURL(), cfg.Eos.Timeout(), location, cfg.Battery.MaxChargePowerW)
	prices := price.New(cfg.Price, location)
	pv := pvforecast.New(cfg.PvForecast, location)
	load := loadprofile.New(cfg.Load, location)

	base := basecontrol.New(cfg.Battery.MaxSocPct)
	batteryMon := battery.New(cfg.Battery)
	evccMon := evcc.New(cfg.Evcc)
	inverter := fronius.New(cfg.Inverter, evccMon)
	mqtt := mqttbridge.New(cfg.Mqtt)

	sched := scheduler.New(cfg, location, eos, prices, pv, load, batteryMon, evccMon, base, inverter, mqtt)

	// handlers must be registered before Connect and the Run goroutines start
	batteryMon.OnThresholdCrossed(sched.OnBatteryThreshold)
	evccMon.OnChange(sched.OnEvccChange)
	mqtt.OnCommand(sched.HandleMqttCommand)

	if err := mqtt.Connect(); err != nil {
		// telemetry is optional, keep running without it
		slog.Error("Failed to connect to the MQTT broker", "error", err)
	}

	web := webserver.New(base, batteryMon, evccMon, logBuffer, sched, cfg.Inverter.MaxGridChargeRateW, sched.ChangeControlState)
	if err := web.Start(cfg.WebPort); err != nil {
		slog.Error("Failed to start the web interface", "error", err)
		return 1
	}

	go prices.Run(ctx, cfg.RefreshInterval())
	go pv.Run(ctx, cfg.RefreshInterval())
	go batteryMon.Run(ctx, time.Minute)
	go evccMon.Run(ctx, 15*time.Second)

	schedulerDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedulerDone)
	}()

	// wait for an interrupt before exiting
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan

	slog.Info("Shutting down...")
	cancel()

	select {
	case <-schedulerDone:
	case <-time.After(shutdownGrace):
		slog.Warn("Scheduler loops did not drain in time")
	}

	sched.Shutdown()
	evccMon.Shutdown()
	web.Shutdown(shutdownGrace)
	mqtt.Shutdown()

	slog.Info("Exiting")
	return 0
}
