package goroutine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_LogsPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("collector-web-01", logger)
		panic(errors.New("nil session"))
	}()

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "collector-web-01", fields["goroutine"])
	assert.Contains(t, fields["stack"], "goroutine")
}

func TestRecover_NoPanicLogsNothing(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	func() {
		defer Recover("quiet", zap.New(core).Sugar())
	}()
	assert.Zero(t, logs.Len())
}

func TestRecover_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover("no-logger", nil)
		panic("boom")
	})
}

func TestGo_ContainsPanic(t *testing.T) {
	AssertNoLeaks(t)

	core, logs := observer.New(zap.ErrorLevel)
	var wg sync.WaitGroup
	wg.Add(1)
	Go("worker", zap.New(core).Sugar(), func() {
		defer wg.Done()
		panic("worker exploded")
	})
	wg.Wait()

	require.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 10*time.Millisecond)
}
