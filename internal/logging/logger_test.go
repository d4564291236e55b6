package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	SetBase(zap.New(core))
	t.Cleanup(func() {
		mu.Lock()
		categories = nil
		mu.Unlock()
		SetBase(nil)
	})
	return logs
}

func TestGetTagsCategory(t *testing.T) {
	logs := observe(t)

	Session("acquired kernel %s", "k-1")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "acquired kernel k-1", entries[0].Message)
	assert.Equal(t, "session", entries[0].ContextMap()["category"])
}

func TestDisabledCategoryIsSilent(t *testing.T) {
	logs := observe(t)
	mu.Lock()
	categories = map[string]bool{"channel": false}
	mu.Unlock()

	ChannelDebug("frame %d", 1)
	Orchestrator("still logged")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "orchestrator", entries[0].ContextMap()["category"])
}

func TestNoopBeforeInitialize(t *testing.T) {
	SetBase(nil)
	// Must not panic with the default no-op base.
	Get(CategoryLedger).Error("dropped %v", "msg")
}

func TestWithAddsFields(t *testing.T) {
	logs := observe(t)

	Get(CategoryOrchestrator).With("run", "r-9").Warn("slow")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "r-9", entries[0].ContextMap()["run"])
}

func TestTimerThreshold(t *testing.T) {
	logs := observe(t)

	timer := StartTimer(CategoryChannel, "collect")
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.StopWithThreshold(time.Millisecond)

	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
	require.Len(t, logs.FilterLevelExact(zapcore.WarnLevel).All(), 1)
}

func TestParseLevel(t *testing.T) {
	lvl, err := parseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = parseLevel("loud")
	assert.Error(t, err)
}
