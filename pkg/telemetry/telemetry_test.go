package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func TestInitWithoutOtlp(t *testing.T) {
	providers, err := Init(context.Background(), zap.NewNop(), &Options{
		ServiceName:   "stellar-sharding-test",
		EnableTraces:  true,
		EnableMetrics: true,
	})
	require.NoError(t, err)

	assert.Nil(t, providers.TracerProvider)
	require.NotNil(t, providers.MeterProvider)
	assert.Equal(t, providers.MeterProvider, otel.GetMeterProvider())

	assert.NoError(t, providers.Shutdown(context.Background()))
}
