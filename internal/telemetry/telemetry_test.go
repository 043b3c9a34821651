package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/chatrelay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(config.TracingConfig{Enabled: false}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitWritesSpansToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "spans.json")
	shutdown, err := Init(config.TracingConfig{Enabled: true, File: path, ServiceName: "chatrelay-test"}, "1.2.3")
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "relay gen_answer")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "relay gen_answer")
	assert.Contains(t, string(data), "chatrelay-test")
}
