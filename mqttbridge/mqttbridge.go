// Package mqttbridge publishes the coordinator's telemetry over MQTT and
// accepts override commands, with optional Home Assistant auto discovery.
package mqttbridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/cepro/eosconnect/config"
)

// Command is the composite override request assembled from the three command
// topic slots when the mode topic receives a value.
type Command struct {
	Mode        string
	Duration    string
	ChargePower string
}

// Bridge owns the MQTT connection. Values are published only when they differ
// from the last published snapshot.
type Bridge struct {
	cfg       config.MqttConfig
	logger    *slog.Logger
	client    mqtt.Client
	onCommand func(Command)
	topics    map[string]Topic

	mu        sync.Mutex
	values    map[string]string
	published map[string]string
	setValues map[string]string
}

func New(cfg config.MqttConfig) *Bridge {
	topics := make(map[string]Topic, len(publishTable))
	for _, topic := range publishTable {
		topics[topic.Key] = topic
	}
	return &Bridge{
		cfg:       cfg,
		logger:    slog.Default().With("component", "mqtt"),
		topics:    topics,
		values:    map[string]string{},
		published: map[string]string{},
		setValues: map[string]string{},
	}
}

// OnCommand registers the override command handler. It must be called before
// Connect: the broker delivers retained command payloads right after the
// subscription, on paho's router goroutine.
func (b *Bridge) OnCommand(handler func(Command)) {
	b.onCommand = handler
}

// Connect establishes the broker session. The last will marks the service
// offline when the connection drops without a clean shutdown.
func (b *Bridge) Connect() error {
	if !b.cfg.Enabled {
		b.logger.Info("MQTT is disabled")
		return nil
	}

	options := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", b.cfg.Broker, b.cfg.Port)).
		SetClientID("eos_connect_" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWill(b.cfg.Topic+"/status", "offline", 1, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("Connection to the MQTT broker lost", "error", err)
		})
	if b.cfg.User != "" {
		options.SetUsername(b.cfg.User)
		options.SetPassword(b.cfg.Password)
	}

	b.client = mqtt.NewClient(options)
	token := b.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to broker %s:%d: %w", b.cfg.Broker, b.cfg.Port, token.Error())
	}
	return nil
}

func (b *Bridge) onConnect(client mqtt.Client) {
	b.logger.Info("Connected to the MQTT broker", "broker", b.cfg.Broker, "port", b.cfg.Port)

	for _, topic := range b.topics {
		if topic.CommandTopic == "" {
			continue
		}
		full := b.cfg.Topic + "/" + topic.CommandTopic
		if token := client.Subscribe(full, 0, b.onMessage); token.Wait() && token.Error() != nil {
			b.logger.Error("Subscribing to a command topic failed", "topic", full, "error", token.Error())
		}
	}

	if b.cfg.AutoDiscovery {
		b.logger.Info("Sending Home Assistant auto discovery messages")
		b.sendDiscoveryMessages()
	}

	// re-publish everything after a reconnect
	b.mu.Lock()
	b.published = map[string]string{}
	b.mu.Unlock()
	b.publishChanged()
}

func (b *Bridge) onMessage(_ mqtt.Client, message mqtt.Message) {
	key := strings.TrimPrefix(message.Topic(), b.cfg.Topic+"/")
	key = strings.TrimSuffix(key, "/set")
	b.handleCommandPayload(key, string(message.Payload()))
}

// handleCommandPayload stores the payload in the topic's command slot. The
// overall state topic additionally fires the command callback with the
// composite of all three slots.
func (b *Bridge) handleCommandPayload(key, payload string) {
	if _, ok := b.topics[key]; !ok {
		b.logger.Warn("Message on an unknown command topic", "topic", key)
		return
	}

	b.mu.Lock()
	b.setValues[key] = payload
	command := Command{
		Mode:        b.setValues["control/overall_state"],
		Duration:    b.setValues["control/override_remain_time"],
		ChargePower: b.setValues["control/override_charge_power"],
	}
	b.mu.Unlock()

	b.logger.Info("Command topic received a value", "topic", key, "value", payload)
	if key == "control/overall_state" && b.onCommand != nil {
		b.onCommand(command)
	}
}

// Update stores new values for the given topic keys and publishes every value
// that changed since the last publish.
func (b *Bridge) Update(values map[string]any) {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	for key, value := range values {
		if _, ok := b.topics[key]; !ok {
			b.logger.Error("Unknown publish topic", "topic", key)
			continue
		}
		b.values[key] = formatValue(value)
	}
	b.mu.Unlock()

	b.publishChanged()
}

func (b *Bridge) publishChanged() {
	if b.client == nil || !b.client.IsConnected() {
		return
	}

	type pending struct {
		topic   Topic
		payload string
	}
	var changed []pending

	b.mu.Lock()
	for key, value := range b.values {
		if b.published[key] == value {
			continue
		}
		b.published[key] = value
		changed = append(changed, pending{topic: b.topics[key], payload: value})
	}
	b.mu.Unlock()

	for _, entry := range changed {
		full := b.cfg.Topic + "/" + entry.topic.Key
		b.client.Publish(full, entry.topic.Qos, entry.topic.Retain, entry.payload)
	}
}

// Shutdown marks the service offline and closes the connection.
func (b *Bridge) Shutdown() {
	if b.client == nil || !b.client.IsConnected() {
		return
	}
	token := b.client.Publish(b.cfg.Topic+"/status", 1, true, "offline")
	token.WaitTimeout(2 * time.Second)
	b.client.Disconnect(500)
	b.logger.Info("Disconnected from the MQTT broker")
}

// discoveryPayload follows the Home Assistant MQTT discovery schema.
type discoveryPayload struct {
	Name            string          `json:"name"`
	UniqueID        string          `json:"unique_id"`
	StateTopic      string          `json:"state_topic"`
	ValueTemplate   string          `json:"value_template,omitempty"`
	CommandTopic    string          `json:"command_topic,omitempty"`
	CommandTemplate string          `json:"command_template,omitempty"`
	DeviceClass     string          `json:"device_class,omitempty"`
	Unit            string          `json:"unit_of_measurement,omitempty"`
	Icon            string          `json:"icon,omitempty"`
	EntityCategory  string          `json:"entity_category,omitempty"`
	Options         []string        `json:"options,omitempty"`
	Min             *float64        `json:"min,omitempty"`
	Max             *float64        `json:"max,omitempty"`
	Step            *float64        `json:"step,omitempty"`
	Mode            string          `json:"mode,omitempty"`
	Device          discoveryDevice `json:"device"`
}

type discoveryDevice struct {
	Identifiers      string `json:"identifiers"`
	Name             string `json:"name"`
	Manufacturer     string `json:"manufacturer"`
	Model            string `json:"model"`
	ConfigurationURL string `json:"configuration_url"`
}

func (b *Bridge) sendDiscoveryMessages() {
	device := discoveryDevice{
		Identifiers:      "EOS_connect",
		Name:             "EOS Connect",
		Manufacturer:     "cepro",
		Model:            "EOS_connect",
		ConfigurationURL: "https://github.com/cepro/eosconnect",
	}

	for _, topic := range b.topics {
		uniqueID := "eos_connect_" + strings.ReplaceAll(topic.Key, "/", "_")
		payload := discoveryPayload{
			Name:            topic.Name,
			UniqueID:        uniqueID,
			StateTopic:      b.cfg.Topic + "/" + topic.Key,
			ValueTemplate:   topic.ValueTemplate,
			CommandTemplate: topic.CommandTemplate,
			DeviceClass:     topic.DeviceClass,
			Unit:            topic.Unit,
			Icon:            topic.Icon,
			EntityCategory:  topic.EntityCategory,
			Options:         topic.Options,
			Device:          device,
		}
		if topic.CommandTopic != "" {
			payload.CommandTopic = b.cfg.Topic + "/" + topic.CommandTopic
		}
		if topic.Type == "number" {
			minValue, maxValue, stepValue := topic.Min, topic.Max, topic.Step
			payload.Min = &minValue
			payload.Max = &maxValue
			payload.Step = &stepValue
			payload.Mode = "box"
		}

		content, err := json.Marshal(payload)
		if err != nil {
			b.logger.Error("Encoding a discovery message failed", "topic", topic.Key, "error", err)
			continue
		}
		discoveryTopic := fmt.Sprintf("%s/%s/eos_connect/%s/config", b.cfg.DiscoveryPrefix, topic.Type, uniqueID)
		b.client.Publish(discoveryTopic, 0, true, content)
	}
}

func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case float64:
		return fmt.Sprintf("%g", v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}
