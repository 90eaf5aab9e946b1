// Package derive turns raw Sol-Ark payloads into the published metric set.
//
// Every metric has an ordered list of sources. The first source whose inputs
// are present wins and the metric is tagged with that source's provenance. A
// metric whose sources are all missing is left unset rather than zeroed.
package derive

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jameshartig/solarkmon/pkg/types"
)

// DefaultPVStrings is used when Input.PVStrings is not positive.
const DefaultPVStrings = 12

// ErrNoPayload is returned when neither endpoint produced a payload.
var ErrNoPayload = errors.New("no payload to derive from")

// Input is everything a single derivation looks at. Either payload may be nil
// when its endpoint failed or is unsupported.
type Input struct {
	Flow      *types.FlowPayload
	Live      *types.LivePayload
	PVStrings int
	Now       time.Time
}

// source is one way of producing a metric. endpoint selects which payload's
// fields are passed to value; an empty endpoint means value only reads
// metrics produced earlier in the same derivation.
type source struct {
	endpoint   types.Endpoint
	provenance types.Provenance
	value      func(e *evaluator, f types.Fields) (float64, bool)
}

type rule struct {
	metric  types.Metric
	sources []source
}

func direct(ep types.Endpoint, keys ...string) source {
	return source{
		endpoint:   ep,
		provenance: types.ProvenanceDirect,
		value: func(_ *evaluator, f types.Fields) (float64, bool) {
			return f.Float(keys...)
		},
	}
}

func computed(ep types.Endpoint, fn func(e *evaluator, f types.Fields) (float64, bool)) source {
	return source{
		endpoint:   ep,
		provenance: types.ProvenanceDerived,
		value:      fn,
	}
}

// rules is evaluated in order; later rules may depend on earlier metrics.
var rules = []rule{
	{types.MetricPVPower, []source{
		direct(types.EndpointFlow, "pvPower"),
		direct(types.EndpointLive, "pvPower"),
		computed(types.EndpointLive, pvStringSum),
	}},
	{types.MetricBatteryPower, []source{
		{types.EndpointFlow, types.ProvenanceDirect, flowBatteryPower},
		direct(types.EndpointLive, "battPower"),
		computed(types.EndpointLive, product("curVolt", "chargeCurrent")),
	}},
	{types.MetricGridPower, []source{
		{types.EndpointFlow, types.ProvenanceDirect, flowGridPower},
		computed(types.EndpointLive, importMinusExport),
		computed(types.EndpointLive, meterSum),
	}},
	{types.MetricGridImportPower, []source{
		{types.EndpointFlow, types.ProvenanceDirect, directImport},
		{types.EndpointLive, types.ProvenanceDirect, directImport},
		computed("", splitImport),
	}},
	{types.MetricGridExportPower, []source{
		{types.EndpointFlow, types.ProvenanceDirect, directExport},
		{types.EndpointLive, types.ProvenanceDirect, directExport},
		computed("", splitExport),
	}},
	{types.MetricLoadPower, []source{
		direct(types.EndpointFlow, "loadOrEpsPower"),
		direct(types.EndpointLive, "loadPower"),
		computed(types.EndpointLive, inverterLoad),
	}},
	{types.MetricBatterySOC, []source{
		direct(types.EndpointFlow, "soc"),
		direct(types.EndpointLive, "battSoc"),
		computed(types.EndpointLive, capacitySOC),
	}},
	{types.MetricEnergyToday, []source{
		direct(types.EndpointLive, "energyToday", "etoday"),
	}},
	{types.MetricEnergyTotal, []source{
		direct(types.EndpointLive, "energyTotal", "etotal"),
	}},
}

// extraFields maps auxiliary payload fields to their published names.
var extraFields = []struct {
	name string
	keys []string
}{
	{"battery_voltage", []string{"chargeVolt"}},
	{"battery_float_voltage", []string{"floatVolt"}},
	{"battery_capacity", []string{"batteryCap"}},
	{"battery_low_cap", []string{"batteryLowCap"}},
	{"battery_restart_cap", []string{"batteryRestartCap"}},
	{"battery_shutdown_cap", []string{"batteryShutdownCap"}},
	{"battery_dc_voltage", []string{"curVolt"}},
	{"battery_current", []string{"chargeCurrent"}},
	{"inverter_output_voltage", []string{"inverterOutputVoltage"}},
	{"inverter_output_current", []string{"curCurrent"}},
	{"grid_meter_a", []string{"meterA"}},
	{"grid_meter_b", []string{"meterB"}},
	{"grid_meter_c", []string{"meterC"}},
	{"grid_peak_power", []string{"gridPeakPower"}},
	{"gen_peak_power", []string{"genPeakPower"}},
	{"pv_max_limit", []string{"pvMaxLimit"}},
	{"solar_max_sell_power", []string{"solarMaxSellPower"}},
}

type evaluator struct {
	flow      types.Fields
	live      types.Fields
	pvStrings int
	values    map[types.Metric]float64
}

func (e *evaluator) fields(ep types.Endpoint) types.Fields {
	switch ep {
	case types.EndpointFlow:
		return e.flow
	case types.EndpointLive:
		return e.live
	}
	return nil
}

// Derive computes a snapshot from whichever payloads are present. It never
// fails on missing or malformed fields; those metrics are simply not set.
func Derive(in Input) (*types.MetricSnapshot, error) {
	if in.Flow == nil && in.Live == nil {
		return nil, ErrNoPayload
	}

	e := &evaluator{
		pvStrings: in.PVStrings,
		values:    make(map[types.Metric]float64, len(types.Metrics)),
	}
	if e.pvStrings <= 0 {
		e.pvStrings = DefaultPVStrings
	}

	snap := &types.MetricSnapshot{
		Timestamp:  in.Now,
		Provenance: make(map[types.Metric]types.Provenance, len(types.Metrics)),
		Extras:     make(map[string]float64),
	}
	if in.Flow != nil {
		e.flow = in.Flow.Fields
		snap.Sources = append(snap.Sources, types.EndpointFlow)
	}
	if in.Live != nil {
		e.live = in.Live.Fields
		snap.Sources = append(snap.Sources, types.EndpointLive)
	}

	for _, r := range rules {
		for _, src := range r.sources {
			f := e.fields(src.endpoint)
			if src.endpoint != "" && f == nil {
				continue
			}
			v, ok := src.value(e, f)
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			e.values[r.metric] = v
			snap.Provenance[r.metric] = src.provenance
			break
		}
	}
	snap.Values = e.values

	// live wins over flow for extras since it carries the device registers
	for _, f := range []types.Fields{e.live, e.flow} {
		if f == nil {
			continue
		}
		for _, x := range extraFields {
			if _, ok := snap.Extras[x.name]; ok {
				continue
			}
			if v, ok := f.Float(x.keys...); ok {
				snap.Extras[x.name] = v
			}
		}
	}
	if e.live != nil {
		for i := 1; i <= e.pvStrings; i++ {
			if p, ok := stringPower(e.live, i); ok {
				snap.Extras[fmt.Sprintf("pv_string_%d_power", i)] = p
			}
		}
	}

	return snap, nil
}

// stringPower returns voltN*currentN. A string with neither field is absent;
// a string with only one field contributes zero.
func stringPower(f types.Fields, n int) (float64, bool) {
	v, vok := f.Float(fmt.Sprintf("volt%d", n))
	c, cok := f.Float(fmt.Sprintf("current%d", n))
	if !vok && !cok {
		return 0, false
	}
	p := v * c
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, false
	}
	return p, true
}

func pvStringSum(e *evaluator, f types.Fields) (float64, bool) {
	var sum float64
	var found bool
	for i := 1; i <= e.pvStrings; i++ {
		if p, ok := stringPower(f, i); ok {
			sum += p
			found = true
		}
	}
	return sum, found
}

func product(a, b string) func(*evaluator, types.Fields) (float64, bool) {
	return func(_ *evaluator, f types.Fields) (float64, bool) {
		x, ok := f.Float(a)
		if !ok {
			return 0, false
		}
		y, ok := f.Float(b)
		if !ok {
			return 0, false
		}
		return x * y, true
	}
}

// signed applies a direction flag pair to a magnitude. neg names the flag
// that makes the value negative and pos the one that makes it positive. With
// neither flag the value is returned unchanged.
func signed(f types.Fields, v float64, neg, pos string) float64 {
	if b, ok := f.Bool(neg); ok && b {
		return -math.Abs(v)
	}
	if b, ok := f.Bool(pos); ok && b {
		return math.Abs(v)
	}
	return v
}

// flowBatteryPower is positive when discharging. toBat means power flows
// into the battery.
func flowBatteryPower(_ *evaluator, f types.Fields) (float64, bool) {
	v, ok := f.Float("battPower")
	if !ok {
		return 0, false
	}
	return signed(f, v, "toBat", "batTo"), true
}

// flowGridPower is positive when importing. toGrid means power flows out to
// the grid.
func flowGridPower(_ *evaluator, f types.Fields) (float64, bool) {
	v, ok := f.Float("gridOrMeterPower")
	if !ok {
		return 0, false
	}
	return signed(f, v, "toGrid", "gridTo"), true
}

func importExport(f types.Fields) (float64, float64, bool) {
	imp, iok := f.Float("gridImportPower")
	exp, eok := f.Float("gridExportPower")
	if !iok && !eok {
		return 0, 0, false
	}
	return math.Abs(imp), math.Abs(exp), true
}

func importMinusExport(_ *evaluator, f types.Fields) (float64, bool) {
	imp, exp, ok := importExport(f)
	return imp - exp, ok
}

func directImport(_ *evaluator, f types.Fields) (float64, bool) {
	imp, _, ok := importExport(f)
	return imp, ok
}

func directExport(_ *evaluator, f types.Fields) (float64, bool) {
	_, exp, ok := importExport(f)
	return exp, ok
}

// meterSum adds the per-phase meter powers, missing phases counting as zero.
func meterSum(_ *evaluator, f types.Fields) (float64, bool) {
	var sum float64
	var found bool
	for _, k := range []string{"meterA", "meterB", "meterC"} {
		if v, ok := f.Float(k); ok {
			sum += v
			found = true
		}
	}
	return sum, found
}

func splitImport(e *evaluator, _ types.Fields) (float64, bool) {
	g, ok := e.values[types.MetricGridPower]
	if !ok {
		return 0, false
	}
	return math.Max(g, 0), true
}

func splitExport(e *evaluator, _ types.Fields) (float64, bool) {
	g, ok := e.values[types.MetricGridPower]
	if !ok {
		return 0, false
	}
	return math.Max(-g, 0), true
}

func inverterLoad(_ *evaluator, f types.Fields) (float64, bool) {
	v, ok := f.Float("inverterOutputVoltage")
	if !ok {
		return 0, false
	}
	c, ok := f.Float("curCurrent")
	if !ok {
		return 0, false
	}
	pf, ok := f.Float("pf")
	if !ok || pf == 0 {
		pf = 1
	}
	return v * c * pf, true
}

func capacitySOC(_ *evaluator, f types.Fields) (float64, bool) {
	cur, ok := f.Float("curCap")
	if !ok {
		return 0, false
	}
	capacity, ok := f.Float("batteryCap")
	if !ok || capacity == 0 {
		return 0, false
	}
	return math.Min(math.Max(cur/capacity*100, 0), 100), true
}
