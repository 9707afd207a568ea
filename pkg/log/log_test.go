package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentComposesFields(t *testing.T) {
	var buf bytes.Buffer
	Setup("debug", true, &buf)

	logger := Component("worker", Worker("w1"), Shard("shard-2"), Task("T1"), Trace("tr-9"))
	logger.Info().Msg("claimed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "worker", line["component"])
	assert.Equal(t, "w1", line["worker_id"])
	assert.Equal(t, "shard-2", line["shard"])
	assert.Equal(t, "T1", line["task_id"])
	assert.Equal(t, "tr-9", line["trace_id"])
	assert.Equal(t, "claimed", line["message"])
}

func TestComponentWithoutFields(t *testing.T) {
	var buf bytes.Buffer
	Setup("info", true, &buf)

	Component("recovery").Warn().Msg("stale task")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "recovery", line["component"])
	_, hasWorker := line["worker_id"]
	assert.False(t, hasWorker)
}

func TestSetupLevelFallback(t *testing.T) {
	var buf bytes.Buffer
	Setup("bananas", true, &buf)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	Setup("error", true, &buf)
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
}
