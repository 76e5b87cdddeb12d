package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNewMeters_NoopProvider(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	shutdown, err := InitMeter(context.Background(), "test")
	require.NoError(t, err)
	defer shutdown(context.Background())

	m, err := NewMeters()
	require.NoError(t, err)
	assert.NotPanics(t, func() { m.RecordError(context.Background(), "NODE_PROBE") })
}

func TestRecordError_NilMeters(t *testing.T) {
	var m *Meters
	assert.NotPanics(t, func() { m.RecordError(context.Background(), "PARSE") })
}

func TestInitProviders_DisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	assert.False(t, Enabled())

	handler, shutdown, err := InitLogs(context.Background(), "test")
	require.NoError(t, err)
	assert.Nil(t, handler)
	assert.NoError(t, shutdown(context.Background()))

	traceShutdown, err := InitTracer(context.Background(), "test")
	require.NoError(t, err)
	assert.NoError(t, traceShutdown(context.Background()))
}

func TestNewResource_ClusterIdentity(t *testing.T) {
	res, err := newResource("https://10.0.0.1:6443")
	require.NoError(t, err)

	v, ok := res.Set().Value(attribute.Key("k8s.cluster.name"))
	require.True(t, ok)
	assert.Equal(t, "https://10.0.0.1:6443", v.AsString())
	_, ok = res.Set().Value(attribute.Key("k8s.kubeconfig"))
	assert.False(t, ok)
}
