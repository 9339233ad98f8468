package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okami/internal/config"
)

func TestDisabledTracingIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp.Tracer())

	_, span := tp.Tracer().Start(context.Background(), "test")
	span.End()
	assert.False(t, span.SpanContext().IsValid())

	assert.NoError(t, tp.Shutdown(context.Background()))
}
