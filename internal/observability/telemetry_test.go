package observability

import (
	"context"
	"testing"

	"github.com/annel0/mmo-spawn/internal/config"
	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	shutdown, err := InitTelemetry(context.Background(), config.TelemetryConfig{}, 0)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}

func TestEnabledTelemetryShutsDown(t *testing.T) {
	shutdown, err := InitTelemetry(context.Background(), config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "mmo-spawn-test",
		Endpoint:    "127.0.0.1:4318",
	}, 3)
	require.NoError(t, err)
	// Экспортировать нечего, поэтому shutdown не обращается к коллектору.
	require.NoError(t, shutdown(context.Background()))
}
