// Package fakecloud is a stand-in for the Sol-Ark cloud that serves a
// simulated plant. It backs local development and the end-to-end tests.
package fakecloud

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Plant sizing used by the simulation.
const (
	BatteryCapacityKWH = 27.2 // 2-battery system
	MaxBatteryKW       = 10.0
	HomeAvgKW          = 1.5
	SolarPeakKW        = 8.0
	BatteryVolts       = 52.0
	LineVolts          = 240.0
	MinSOC             = 5.0
)

// Sample is the simulated plant at one instant. Power is in watts, battery
// positive when discharging and grid positive when importing.
type Sample struct {
	Time         time.Time
	SolarW       float64
	HomeW        float64
	BatteryW     float64
	GridW        float64
	SOC          float64
	EnergyToday  float64
	EnergyTotal  float64
	StringVolts  [2]float64
	StringAmps   [2]float64
	BatteryVolts float64
}

// Simulator advances a plant from the last time it was sampled. It is safe for
// concurrent use.
type Simulator struct {
	mu          sync.Mutex
	rng         *rand.Rand
	last        time.Time
	soc         float64
	energyToday float64
	energyTotal float64
}

// NewSimulator returns a plant at socPct state of charge with some lifetime
// production already on the meter.
func NewSimulator(seed int64, socPct float64) *Simulator {
	return &Simulator{
		rng:         rand.New(rand.NewSource(seed)),
		soc:         socPct,
		energyTotal: 4200,
	}
}

func solarKW(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	if hour <= 6 || hour >= 19 {
		return 0
	}
	// bell curve peaking at 1pm
	dist := math.Abs(hour - 13.0)
	return SolarPeakKW * math.Exp(-(dist*dist)/12.0)
}

func (s *Simulator) homeKW(t time.Time) float64 {
	home := HomeAvgKW + (s.rng.Float64() * 1.0)
	switch hour := t.Hour(); {
	case hour >= 7 && hour < 9:
		home += 2.0 // Breakfast
	case hour >= 18 && hour < 22:
		home += 4.0 // Evening activities
	}
	return home
}

// batteryKW picks what the inverter does with the battery: cover the home at
// the peaks, soak up surplus solar during the day and idle otherwise.
func (s *Simulator) batteryKW(t time.Time, solar, home float64) float64 {
	hour := t.Hour()
	switch {
	case hour >= 6 && hour < 9, hour >= 17 && hour < 22:
		if needed := home - solar; needed > 0 && s.soc > MinSOC {
			return math.Min(needed, MaxBatteryKW)
		}
	case hour >= 9 && hour < 17:
		if surplus := solar - home; surplus > 0 && s.soc < 100 {
			return -math.Min(surplus, MaxBatteryKW)
		}
	}
	return 0
}

// Sample advances the plant to t and returns its state. Times before the
// last sample return the plant as it is without advancing it.
func (s *Simulator) Sample(t time.Time) Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last.IsZero() {
		s.last = t
	}
	if y1, m1, d1 := s.last.Date(); y1 != t.Year() || m1 != t.Month() || d1 != t.Day() {
		s.energyToday = 0
	}

	solar := solarKW(t)
	home := s.homeKW(t)
	bat := s.batteryKW(t, solar, home)

	if elapsed := t.Sub(s.last).Hours(); elapsed > 0 {
		s.soc += (-bat * elapsed / BatteryCapacityKWH) * 100.0
		if s.soc > 100 {
			s.soc = 100
			bat = 0
		}
		if s.soc < MinSOC {
			s.soc = MinSOC
			bat = 0
		}
		s.energyToday += solar * elapsed
		s.energyTotal += solar * elapsed
		s.last = t
	}

	sample := Sample{
		Time:         t,
		SolarW:       math.Round(solar * 1000),
		HomeW:        math.Round(home * 1000),
		BatteryW:     math.Round(bat * 1000),
		SOC:          math.Round(s.soc),
		EnergyToday:  math.Round(s.energyToday*10) / 10,
		EnergyTotal:  math.Round(s.energyTotal*10) / 10,
		BatteryVolts: BatteryVolts + (s.soc-50)/25,
	}
	sample.GridW = sample.HomeW - sample.SolarW - sample.BatteryW

	// two strings share the array, the first one slightly stronger
	for i, share := range []float64{0.55, 0.45} {
		if sample.SolarW == 0 {
			continue
		}
		sample.StringVolts[i] = 380 - float64(i)*10
		sample.StringAmps[i] = math.Round(sample.SolarW*share/sample.StringVolts[i]*100) / 100
	}
	return sample
}

// flowFields renders a sample the way the plant energy-flow endpoint does:
// magnitudes with direction flags.
func flowFields(s Sample) map[string]interface{} {
	return map[string]interface{}{
		"pvPower":          s.SolarW,
		"battPower":        math.Abs(s.BatteryW),
		"gridOrMeterPower": math.Abs(s.GridW),
		"loadOrEpsPower":   s.HomeW,
		"soc":              s.SOC,
		"toBat":            s.BatteryW < 0,
		"batTo":            s.BatteryW > 0,
		"toGrid":           s.GridW < 0,
		"gridTo":           s.GridW > 0,
		"toLoad":           s.HomeW > 0,
		"pvTo":             s.SolarW > 0,
		"existsGrid":       true,
		"existsBattery":    true,
	}
}

// liveFields renders a sample the way the inverter live read does: raw
// registers, leaving the aggregate powers to be computed.
func liveFields(s Sample) map[string]interface{} {
	capAh := BatteryCapacityKWH * 1000 / BatteryVolts
	// the meter reports per phase, split across two legs
	gridA := math.Round(s.GridW / 2)
	return map[string]interface{}{
		"volt1":                 s.StringVolts[0],
		"current1":              s.StringAmps[0],
		"volt2":                 s.StringVolts[1],
		"current2":              s.StringAmps[1],
		"curVolt":               math.Round(s.BatteryVolts*100) / 100,
		"chargeCurrent":         math.Round(s.BatteryW/s.BatteryVolts*100) / 100,
		"curCap":                math.Round(capAh * s.SOC / 100),
		"batteryCap":            math.Round(capAh),
		"meterA":                gridA,
		"meterB":                s.GridW - gridA,
		"inverterOutputVoltage": LineVolts,
		"curCurrent":            math.Round(s.HomeW/LineVolts*100) / 100,
		"pf":                    1,
		"energyToday":           s.EnergyToday,
		"etotal":                s.EnergyTotal,
		"chargeVolt":            56.8,
		"floatVolt":             54.4,
		"batteryLowCap":         20,
		"batteryRestartCap":     30,
		"batteryShutdownCap":    MinSOC,
		"pvMaxLimit":            SolarPeakKW * 1000,
		"solarMaxSellPower":     7600,
	}
}
