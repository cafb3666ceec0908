package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARNING"))
	assert.Equal(t, ERROR, ParseLevel(" error "))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
}

func TestLoggerRedactsRecipientFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(INFO)
	SetRedactPII(true)
	t.Cleanup(func() { SetOutput(os.Stderr); SetLevel(INFO) })

	Info("request enqueued", "recipient", "jane.smith@acme.com", "id", "req-1")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ja***@acme.com", entry["recipient"])
	assert.Equal(t, "req-1", entry["id"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(WARN)
	t.Cleanup(func() { SetOutput(os.Stderr); SetLevel(INFO) })

	Info("should be dropped")
	assert.Zero(t, buf.Len())

	Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}
