package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersIndependentSets(t *testing.T) {
	a := New()
	b := New()

	a.PacketsReceived.WithLabelValues("message").Inc()
	a.PacketsReceived.WithLabelValues("message").Inc()
	a.ActiveLinks.Set(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(a.PacketsReceived.WithLabelValues("message")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PacketsReceived.WithLabelValues("message")))
	assert.Equal(t, 3.0, testutil.ToFloat64(a.ActiveLinks))
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.HandshakesTotal.WithLabelValues("established").Inc()
	m.DeliveryLatencyMs.Observe(42)

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["bitmesh_noise_handshakes_total"])
	assert.True(t, names["bitmesh_transport_message_age_ms"])
	assert.True(t, names["bitmesh_transport_active_links"])
}
