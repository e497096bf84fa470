// Package goroutine keeps background goroutines from taking the process down.
package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"vigilant/metrics"

	"go.uber.org/zap"
)

const stackBufferSize = 8192

// Recover must be deferred at the top of a goroutine. A panic is logged with
// its stack and counted; the goroutine then exits normally. Without a logger
// the panic goes to stderr.
func Recover(name string, logger *zap.SugaredLogger) {
	r := recover()
	if r == nil {
		return
	}
	metrics.GoroutinePanics.WithLabelValues(name).Inc()

	buf := make([]byte, stackBufferSize)
	stack := string(buf[:runtime.Stack(buf, false)])
	if logger == nil {
		fmt.Fprintf(os.Stderr, "panic in goroutine %s: %v\n%s\n", name, r, stack)
		return
	}
	logger.Errorw("Recovered panic in background goroutine",
		"goroutine", name,
		"panic", r,
		"stack", stack)
}

// Go runs fn in a new goroutine guarded by Recover
func Go(name string, logger *zap.SugaredLogger, fn func()) {
	go func() {
		defer Recover(name, logger)
		fn()
	}()
}
