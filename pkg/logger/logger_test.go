package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentFieldsAreStructured(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, true)
	SetLevel(INFO)

	InfoCF("memory", "saved interaction", map[string]interface{}{"tenant_id": "acme", "count": 2})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "memory", line["component"])
	assert.Equal(t, "acme", line["tenant_id"])
	assert.Equal(t, "saved interaction", line["message"])
}

func TestLevelFiltersLowerSeverity(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, true)
	SetLevel(WARN)
	defer SetLevel(INFO)

	InfoC("memory", "hidden")
	DebugCF("memory", "hidden too", nil)
	WarnC("memory", "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 1, strings.Count(out, "shown"))
	assert.Equal(t, WARN, GetLevel())
}

func TestParseLevel(t *testing.T) {
	testcases := []struct {
		in   string
		want LogLevel
		ok   bool
	}{
		{"debug", DEBUG, true},
		{" WARN ", WARN, true},
		{"warning", WARN, true},
		{"error", ERROR, true},
		{"", INFO, true},
		{"verbose", INFO, false},
	}
	for _, tc := range testcases {
		got, ok := ParseLevel(tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
	}
}
