package types

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFields(t *testing.T) {
	var f Fields
	dec := json.NewDecoder(bytes.NewReader([]byte(`{
		"pvPower": 1200,
		"volt1": "380.5",
		"current1": " 8.2 ",
		"etoday": "",
		"soc": null,
		"model": "SK-12K",
		"toGrid": true,
		"gridTo": "false",
		"batTo": 1
	}`)))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&f))

	v, ok := f.Float("pvPower")
	require.True(t, ok)
	assert.Equal(t, 1200.0, v)

	v, ok = f.Float("volt1")
	require.True(t, ok)
	assert.Equal(t, 380.5, v)

	v, ok = f.Float("current1")
	require.True(t, ok)
	assert.Equal(t, 8.2, v)

	_, ok = f.Float("etoday")
	assert.False(t, ok, "empty strings are absent")
	_, ok = f.Float("soc")
	assert.False(t, ok, "null is absent")
	_, ok = f.Float("model")
	assert.False(t, ok, "non-numeric strings are absent")
	assert.False(t, f.Has("soc"))
	assert.True(t, f.Has("model"))

	v, ok = f.Float("missing", "etoday", "pvPower")
	require.True(t, ok, "falls through to the first usable key")
	assert.Equal(t, 1200.0, v)

	b, ok := f.Bool("toGrid")
	assert.True(t, ok)
	assert.True(t, b)
	b, ok = f.Bool("gridTo")
	assert.True(t, ok)
	assert.False(t, b)
	b, ok = f.Bool("batTo")
	assert.True(t, ok)
	assert.True(t, b)
	_, ok = f.Bool("model")
	assert.False(t, ok)
}

func TestMetricSnapshot(t *testing.T) {
	var nilSnap *MetricSnapshot
	_, ok := nilSnap.Get(MetricPVPower)
	assert.False(t, ok)
	assert.Equal(t, 0, nilSnap.Len())
	assert.Nil(t, nilSnap.Clone())

	s := &MetricSnapshot{
		Values:     map[Metric]float64{MetricPVPower: 3116},
		Provenance: map[Metric]Provenance{MetricPVPower: ProvenanceDerived},
		Sources:    []Endpoint{EndpointLive},
	}
	c := s.Clone()
	c.Values[MetricPVPower] = 1
	c.Sources[0] = EndpointFlow

	v, ok := s.Get(MetricPVPower)
	require.True(t, ok)
	assert.Equal(t, 3116.0, v, "clone must not alias the original")
	assert.Equal(t, EndpointLive, s.Sources[0])
}
