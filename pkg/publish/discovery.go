package publish

import (
	"encoding/json"
	"fmt"

	"github.com/jameshartig/solarkmon/pkg/types"
)

type hassConfig struct {
	Name              string     `json:"name"`
	DeviceClass       string     `json:"dev_cla"`
	UnitOfMeasurement string     `json:"unit_of_meas"`
	StateClass        string     `json:"stat_cla"`
	StateTopic        string     `json:"stat_t"`
	ValueTemplate     string     `json:"val_tpl"`
	AvailabilityTopic string     `json:"avty_t"`
	UniqueID          string     `json:"uniq_id"`
	Device            hassDevice `json:"dev"`
}

type hassDevice struct {
	IDs          string `json:"ids"`
	Name         string `json:"name"`
	Manufacturer string `json:"mf"`
}

type sensorClass struct {
	device string
	unit   string
	state  string
}

var sensorClasses = map[types.Metric]sensorClass{
	types.MetricPVPower:         {"power", "W", "measurement"},
	types.MetricBatteryPower:    {"power", "W", "measurement"},
	types.MetricGridPower:       {"power", "W", "measurement"},
	types.MetricGridImportPower: {"power", "W", "measurement"},
	types.MetricGridExportPower: {"power", "W", "measurement"},
	types.MetricLoadPower:       {"power", "W", "measurement"},
	types.MetricBatterySOC:      {"battery", "%", "measurement"},
	// energy_today resets at midnight, which total_increasing treats as a new cycle
	types.MetricEnergyToday: {"energy", "kWh", "total_increasing"},
	types.MetricEnergyTotal: {"energy", "kWh", "total_increasing"},
}

type discoveryMessage struct {
	topic   string
	payload []byte
}

// discoveryConfigs returns one Home Assistant sensor config per metric, all
// reading from the retained state message.
func discoveryConfigs(cfg *Config) []discoveryMessage {
	msgs := make([]discoveryMessage, 0, len(types.Metrics))
	for _, m := range types.Metrics {
		class := sensorClasses[m]
		hc := hassConfig{
			Name:              string(m),
			DeviceClass:       class.device,
			UnitOfMeasurement: class.unit,
			StateClass:        class.state,
			StateTopic:        cfg.topic("state"),
			ValueTemplate:     fmt.Sprintf("{{ value_json.metrics.%s | default(None) }}", m),
			AvailabilityTopic: cfg.topic("status"),
			UniqueID:          fmt.Sprintf("%s.%s", cfg.Node, m),
			Device: hassDevice{
				IDs:          cfg.Node,
				Name:         cfg.Node,
				Manufacturer: "Sol-Ark",
			},
		}
		b, err := json.Marshal(&hc)
		if err != nil {
			// only strings, cannot fail
			panic(err)
		}
		msgs = append(msgs, discoveryMessage{
			topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", cfg.Node, m),
			payload: b,
		})
	}
	return msgs
}
