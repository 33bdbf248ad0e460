package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"unknown": zerolog.InfoLevel,
		"off":     zerolog.Disabled,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestInitWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	logger := With("cache")
	logger.Info().Msg("hello")
	logger.Debug().Msg("dropped")

	out := buf.String()
	require.Contains(t, out, `"component":"cache"`)
	require.Contains(t, out, `"message":"hello"`)
	assert.NotContains(t, out, "dropped")
}

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "")
	id := CorrelationID(ctx)
	require.NotEmpty(t, id)

	ctx = WithCorrelationID(context.Background(), "abc")
	assert.Equal(t, "abc", CorrelationID(ctx))
	assert.Empty(t, CorrelationID(context.Background()))
}
