// Package simulator drives a fleet of synthetic sensors against the broker,
// producing legacy-format payloads with realistic daily patterns. It exists
// for demos and load testing, the ingestion path cannot tell it from real
// hardware.
package simulator

import (
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// adcCeiling is the full-scale count of the simulated 12-bit converters.
const adcCeiling = 4095

// Device is one synthetic sensor with a fixed topic and kind.
type Device struct {
	DeviceID   string `fake:"{uuid}"`
	MacAddress string `fake:"{macaddress}"`
	IPAddress  string `fake:"{ipv4address}"`
	Firmware   string `fake:"{appversion}"`

	Topic string
	Kind  string

	gen *signalGenerator
}

// NewDevice creates a device bound to a topic. Identity fields are faked,
// the signal baseline is randomized per device.
func NewDevice(topic, kind string) (*Device, error) {
	var d Device
	if err := gofakeit.Struct(&d); err != nil {
		return nil, err
	}
	d.Topic = topic
	d.Kind = kind
	d.gen = newSignalGenerator()
	return &d, nil
}

// Reading produces the next payload for the device's kind at time t.
func (d *Device) Reading(t time.Time) []byte {
	switch d.Kind {
	case "temperature":
		return []byte(strconv.FormatFloat(d.gen.temperature(t), 'f', 2, 64))
	case "airflow":
		return []byte(strconv.FormatFloat(d.gen.airflow(t), 'f', 2, 64))
	case "humidity", "soil":
		return []byte(strconv.Itoa(d.gen.adcCounts(t)))
	default:
		return []byte(d.gen.status())
	}
}

// signalGenerator produces values with a daily cycle, per-device noise and
// occasional anomalies.
type signalGenerator struct {
	baselineTemp    float64
	baselineAirflow float64
	baselineADC     float64
	noise           float64
	statusOn        bool
}

func newSignalGenerator() *signalGenerator {
	return &signalGenerator{
		baselineTemp:    20.0 + rand.Float64()*10,  // 20-30°C
		baselineAirflow: 0.5 + rand.Float64()*2,    // 0.5-2.5 m/s
		baselineADC:     1500 + rand.Float64()*800, // mid-scale counts
		noise:           rand.Float64() * 2,
		statusOn:        rand.Float64() < 0.8,
	}
}

// temperature follows a daily cycle peaking in the early afternoon.
func (g *signalGenerator) temperature(t time.Time) float64 {
	hour := float64(t.Hour())
	dailyCycle := 5 * math.Sin((hour-6)*math.Pi/12)
	noise := (rand.Float64() - 0.5) * g.noise

	// Occasional spike, 5% chance
	anomaly := 0.0
	if rand.Float64() < 0.05 {
		anomaly = (rand.Float64() - 0.5) * 15
	}

	return g.baselineTemp + dailyCycle + noise + anomaly
}

func (g *signalGenerator) airflow(t time.Time) float64 {
	hour := float64(t.Hour())
	dailyCycle := 0.3 * math.Sin((hour-12)*math.Pi/12)
	noise := (rand.Float64() - 0.5) * g.noise * 0.3

	return math.Max(0, g.baselineAirflow+dailyCycle+noise)
}

// adcCounts renders a raw converter reading, drifting slowly around the
// baseline with the diurnal cycle inverted relative to temperature.
func (g *signalGenerator) adcCounts(t time.Time) int {
	hour := float64(t.Hour())
	dailyCycle := -150 * math.Sin((hour-6)*math.Pi/12)
	noise := (rand.Float64() - 0.5) * g.noise * 50

	counts := int(g.baselineADC + dailyCycle + noise)
	if counts < 0 {
		counts = 0
	}
	if counts > adcCeiling {
		counts = adcCeiling
	}
	return counts
}

// status flips state rarely to mimic a float switch.
func (g *signalGenerator) status() string {
	if rand.Float64() < 0.02 {
		g.statusOn = !g.statusOn
	}
	if g.statusOn {
		return "on"
	}
	return "off"
}
