package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Info("displayed", String("id", "n-1"), Int("attempt", 2))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "dispatch", m["comp"])
	assert.Equal(t, "n-1", m["id"])
	assert.Equal(t, float64(2), m["attempt"])
	assert.Equal(t, "displayed", m["message"])
	assert.NotEmpty(t, m["caller"])
}

func TestWriterLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("nothing happens", Err(nil))
	assert.False(t, Nop().IsZero())
}

func TestParseLevelDefaults(t *testing.T) {
	assert.Equal(t, LevelWarn, parseLevel("warning", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("bogus", LevelInfo))
}
