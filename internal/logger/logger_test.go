package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSanitizeKVsRedactsSecrets(t *testing.T) {
	out := sanitizeKVs([]interface{}{"api_key", "sk-123", "filename", "notes.pdf", "Authorization", "Bearer x"})
	require.Equal(t, []interface{}{"api_key", "[REDACTED]", "filename", "notes.pdf", "Authorization", "[REDACTED]"}, out)
}

func TestSanitizeKVsKeepsDanglingKey(t *testing.T) {
	out := sanitizeKVs([]interface{}{"question_number", 1, "orphan"})
	require.Equal(t, []interface{}{"question_number", 1, "orphan"}, out)
}

func TestLoggerWritesStructuredFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := &Logger{SugaredLogger: zap.New(core).Sugar()}

	log.With("component", "index").Info("document indexed", "chunks", 3, "token", "abc")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "index", fields["component"])
	require.EqualValues(t, 3, fields["chunks"])
	require.Equal(t, "[REDACTED]", fields["token"])
}

func TestNewModes(t *testing.T) {
	for _, mode := range []string{"dev", "production"} {
		log, err := New(mode)
		require.NoError(t, err)
		require.NotNil(t, log.SugaredLogger)
	}
	Nop().Info("discarded")
}
