package mqttbridge

// Topic describes one entry of the publish table: where a value goes, how it
// is retained and how Home Assistant should present it.
type Topic struct {
	Key             string
	Name            string
	Type            string // sensor, binary_sensor, select, number
	DeviceClass     string
	Unit            string
	Icon            string
	EntityCategory  string
	Qos             byte
	Retain          bool
	CommandTopic    string
	ValueTemplate   string
	CommandTemplate string
	Options         []string
	Min             float64
	Max             float64
	Step            float64
}

const (
	overallStateTemplate = "{% if value == '-2' %}Auto" +
		"{% elif value == '-1' %}StartUp" +
		"{% elif value == '0' %}Charge from Grid" +
		"{% elif value == '1' %}Avoid Discharge" +
		"{% elif value == '2' %}Discharge Allowed" +
		"{% elif value == '3' %}Avoid Discharge EVCC FAST" +
		"{% elif value == '4' %}Avoid Discharge EVCC PV" +
		"{% elif value == '5' %}Avoid Discharge EVCC MIN+PV" +
		"{% else %}Unknown{% endif %}"

	overallStateCommandTemplate = "{% if value == 'Auto' %}-2" +
		"{% elif value == 'Charge from Grid' %}0" +
		"{% elif value == 'Avoid Discharge' %}1" +
		"{% elif value == 'Discharge Allowed' %}2" +
		"{% else %}2{% endif %}"

	boolTemplate = "{{ 'OFF' if 'false' in value else 'ON' }}"
)

var overrideDurationOptions = []string{
	"00:30", "01:00", "01:30", "02:00", "02:30", "03:00",
	"03:30", "04:00", "04:30", "05:00", "05:30", "06:00",
	"06:30", "07:00", "07:30", "08:00", "08:30", "09:00",
	"09:30", "10:00", "10:30", "11:00", "11:30", "12:00",
}

// publishTable is every topic the bridge can emit, keyed relative to the
// configured base topic. The three command-capable entries together form the
// override command: mode selects, remain time and charge power parametrize.
var publishTable = []Topic{
	{
		Key: "status", Name: "Status", Type: "sensor",
		Icon: "mdi:state-machine", EntityCategory: "diagnostic", Retain: true,
	},
	{
		Key: "control/overall_state", Name: "Current State", Type: "select",
		Icon: "mdi:state-machine", Retain: true,
		CommandTopic:    "control/overall_state/set",
		ValueTemplate:   overallStateTemplate,
		CommandTemplate: overallStateCommandTemplate,
		Options:         []string{"Charge from Grid", "Avoid Discharge", "Discharge Allowed", "Auto"},
	},
	{
		Key: "control/eos_ac_charge_demand", Name: "EOS AC Charge Demand", Type: "sensor",
		DeviceClass: "power", Unit: "W", Icon: "mdi:state-machine",
		EntityCategory: "diagnostic", Retain: true,
	},
	{
		Key: "control/eos_dc_charge_demand", Name: "EOS DC Charge Demand", Type: "sensor",
		DeviceClass: "power", Unit: "W", Icon: "mdi:state-machine",
		EntityCategory: "diagnostic", Retain: true,
	},
	{
		Key: "control/eos_discharge_allowed", Name: "EOS Discharge Allowed", Type: "binary_sensor",
		Icon: "mdi:state-machine", EntityCategory: "diagnostic", Retain: true,
		ValueTemplate: boolTemplate,
	},
	{
		Key: "control/override_remain_time", Name: "Override Remain Time (HH:MM)", Type: "select",
		Icon: "mdi:clock", Retain: true,
		CommandTopic: "control/override_remain_time/set",
		Options:      overrideDurationOptions,
	},
	{
		Key: "control/override_charge_power", Name: "Override Charge Power", Type: "number",
		DeviceClass: "power", Icon: "mdi:state-machine", Retain: true,
		CommandTopic: "control/override_charge_power/set",
		Min:          0, Max: 10000, Step: 100,
	},
	{
		Key: "control/override_active", Name: "Override Active", Type: "binary_sensor",
		Icon: "mdi:state-machine", Retain: true,
		ValueTemplate: boolTemplate,
	},
	{
		Key: "control/override_end_time", Name: "Override End Time", Type: "sensor",
		DeviceClass: "timestamp", Icon: "mdi:clock", Retain: true,
	},
	{
		Key: "optimization/last_run", Name: "Last Run", Type: "sensor",
		DeviceClass: "timestamp", Icon: "mdi:clock", Retain: true,
	},
	{
		Key: "optimization/next_run", Name: "Next Run", Type: "sensor",
		DeviceClass: "timestamp", Icon: "mdi:clock", Retain: true,
	},
	{
		Key: "optimization/state", Name: "Optimization State", Type: "sensor",
		Icon: "mdi:state-machine", Retain: true,
	},
	{
		Key: "inverter/special/temperature_inverter", Name: "Inverter Temperature", Type: "sensor",
		DeviceClass: "temperature", Unit: "°C", Icon: "mdi:thermometer",
		EntityCategory: "diagnostic", Retain: true,
	},
	{
		Key: "inverter/special/temperature_ac_module", Name: "AC Module Temperature", Type: "sensor",
		DeviceClass: "temperature", Unit: "°C", Icon: "mdi:thermometer",
		EntityCategory: "diagnostic", Retain: true,
	},
	{
		Key: "inverter/special/temperature_dc_module", Name: "DC Module Temperature", Type: "sensor",
		DeviceClass: "temperature", Unit: "°C", Icon: "mdi:thermometer",
		EntityCategory: "diagnostic", Retain: true,
	},
	{
		Key: "inverter/special/temperature_battery_module", Name: "Battery Module Temperature", Type: "sensor",
		DeviceClass: "temperature", Unit: "°C", Icon: "mdi:thermometer",
		EntityCategory: "diagnostic", Retain: true,
	},
	{
		Key: "inverter/special/fan_control_01", Name: "Inverter Fan Control 01", Type: "sensor",
		Unit: "%", Icon: "mdi:fan", EntityCategory: "diagnostic", Retain: true,
	},
	{
		Key: "inverter/special/fan_control_02", Name: "Inverter Fan Control 02", Type: "sensor",
		Unit: "%", Icon: "mdi:fan", EntityCategory: "diagnostic", Retain: true,
	},
	{
		Key: "battery/soc", Name: "State of Charge", Type: "sensor",
		DeviceClass: "battery", Unit: "%", Icon: "mdi:battery", Retain: true,
	},
	{
		Key: "battery/remaining_energy", Name: "Remaining Energy", Type: "sensor",
		DeviceClass: "energy", Unit: "Wh", Icon: "mdi:energy", Retain: true,
	},
	{
		Key: "battery/dyn_max_charge_power", Name: "Dyn Max Charge Power", Type: "sensor",
		DeviceClass: "power", Unit: "W", EntityCategory: "diagnostic", Retain: true,
	},
}
