package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("json output carries component and level", func(t *testing.T) {
		var buf bytes.Buffer
		log := Component(New("debug", "json", &buf), "pipeline")

		log.Debug().Int("batch", 2).Msg("batch committed")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "debug", entry["level"])
		assert.Equal(t, "pipeline", entry["component"])
		assert.Equal(t, "batch committed", entry["message"])
		assert.EqualValues(t, 2, entry["batch"])
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		log := New("chatty", "json", &buf)

		log.Debug().Msg("hidden")
		assert.Empty(t, buf.String())

		log.Info().Msg("shown")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("console format is human readable", func(t *testing.T) {
		var buf bytes.Buffer
		log := New("info", "console", &buf)

		log.Info().Str("folder", "INBOX").Msg("run finished")
		assert.Contains(t, buf.String(), "run finished")
		assert.Contains(t, buf.String(), "folder=")
	})
}
