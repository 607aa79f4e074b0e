package transcribe

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Gate coordinates asynchronous model warmup. The daemon starts warmup in the
// background at boot; transcription work blocks on the gate instead of paying
// the model load cost on the first document.
type Gate struct {
	timeout time.Duration

	once sync.Once
	done chan struct{}
	err  error
}

// NewGate creates a warmup gate. Wait callers give up after timeout once
// warmup has been started.
func NewGate(timeout time.Duration) *Gate {
	return &Gate{
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Start runs warm in a new goroutine and releases the gate when it returns.
// Only the first call has any effect.
func (g *Gate) Start(warm func() error) {
	g.once.Do(func() {
		go func() {
			g.err = warm()
			close(g.done)
		}()
	})
}

// Wait blocks until warmup finishes, the context is cancelled, or the gate
// timeout elapses. A warmup failure is returned to every waiter.
func (g *Gate) Wait(ctx context.Context) error {
	var timeoutCh <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-g.done:
		if g.err != nil {
			return fmt.Errorf("model warmup: %w", g.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeoutCh:
		return fmt.Errorf("model warmup did not finish within %s", g.timeout)
	}
}
