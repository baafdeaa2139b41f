// Package lifecycle owns the application launch event. Components register
// hooks that run once when the application starts.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"boot-probe/pkg/logging"
)

// Hook runs during launch. Hooks must return promptly; long work belongs on
// a goroutine the hook starts.
type Hook func(ctx context.Context)

type namedHook struct {
	name string
	fn   Hook
}

// Launcher runs registered hooks when the application launches
type Launcher struct {
	mu       sync.Mutex
	hooks    []namedHook
	launched bool
	logger   *logging.Logger
}

// NewLauncher creates a launcher with no hooks. A nil logger means the
// global logger.
func NewLauncher(logger *logging.Logger) *Launcher {
	if logger == nil {
		logger = logging.Global()
	}
	return &Launcher{logger: logger}
}

// OnLaunch registers fn under name. Hooks run in registration order.
func (l *Launcher) OnLaunch(name string, fn Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, namedHook{name: name, fn: fn})
}

// Launch runs every hook once. Later calls are no-ops.
func (l *Launcher) Launch(ctx context.Context) {
	l.mu.Lock()
	if l.launched {
		l.mu.Unlock()
		l.logger.Warn("Launch called more than once, ignoring")
		return
	}
	l.launched = true
	hooks := make([]namedHook, len(l.hooks))
	copy(hooks, l.hooks)
	l.mu.Unlock()

	start := time.Now()
	for _, h := range hooks {
		l.logger.Debug("Running launch hook", "hook", h.name)
		h.fn(ctx)
	}

	l.logger.Info("Launch complete",
		"hooks", len(hooks),
		"elapsed", time.Since(start),
	)
}

