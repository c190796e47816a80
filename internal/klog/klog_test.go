package klog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_LevelGating(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(LevelWarn, &buf)

	require.False(t, w.Enabled(LevelDebug))
	require.False(t, w.Enabled(LevelInfo))
	require.True(t, w.Enabled(LevelWarn))
	require.True(t, w.Enabled(LevelError))

	w.Log(Entry{Level: LevelInfo, Category: "task", Message: "ignored"})
	assert.Empty(t, buf.String())

	w.Log(Entry{Level: LevelError, Category: "task", TaskID: 3, Message: "boom"})
	out := buf.String()
	assert.Contains(t, out, "task")
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "task=3")
	assert.Contains(t, out, "boom")
}

func TestWriter_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(LevelError, &buf)
	w.Log(Entry{Level: LevelWarn, Category: "sched", Message: "x"})
	assert.Empty(t, buf.String())

	w.SetLevel(LevelWarn)
	w.Log(Entry{Level: LevelWarn, Category: "sched", Message: "y"})
	assert.True(t, strings.Contains(buf.String(), "y"))
}

func TestGlobalLogger_DefaultsToNoop(t *testing.T) {
	assert.False(t, Get().Enabled(LevelError))
}

func TestSetLogger_NilResetsToNoop(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewWriter(LevelDebug, &buf))
	assert.True(t, Get().Enabled(LevelDebug))

	SetLogger(nil)
	assert.False(t, Get().Enabled(LevelDebug))
}

func TestEntry_FieldsAndErr(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(LevelDebug, &buf)
	w.Log(Entry{
		Level:    LevelDebug,
		Category: "alloc",
		TaskID:   -1,
		Message:  "split",
		Fields:   map[string]any{"offset": 128},
	})
	out := buf.String()
	assert.Contains(t, out, "offset=128")
	assert.NotContains(t, out, "task=")
}
