// Package batching wraps an adapter so that bursts of concurrent sends
// coalesce into single wire frames when the underlying transport can
// carry them. Transports without batch support fall back to per-command
// framing transparently.
package batching

import (
	"context"
	"sync"
	"time"

	"github.com/nexhaptics/haplink/pkg/adapter"
	"github.com/nexhaptics/haplink/pkg/command"
)

// Config tunes a batching wrapper. BatchSize <= 1 disables coalescing.
type Config struct {
	// BatchSize flushes a batch once this many sends are outstanding.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// Window flushes a partial batch after this long.
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 5, Window: 20 * time.Millisecond}
}

type pendingSend struct {
	cmd  *command.Command
	done chan error
}

// Wrapper coalesces Send calls into SendBatch calls on the inner adapter.
type Wrapper struct {
	inner adapter.Adapter
	batch adapter.BatchSender
	cfg   Config

	mu      sync.Mutex
	pending []pendingSend
	timer   *time.Timer
}

// Wrap returns the inner adapter unchanged when it cannot batch or the
// configuration disables batching; otherwise a coalescing wrapper.
func Wrap(inner adapter.Adapter, cfg Config) adapter.Adapter {
	bs, ok := inner.(adapter.BatchSender)
	if !ok || cfg.BatchSize <= 1 {
		return inner
	}
	return &Wrapper{inner: inner, batch: bs, cfg: cfg}
}

func (w *Wrapper) Connect(ctx context.Context) error { return w.inner.Connect(ctx) }

func (w *Wrapper) Status() adapter.Status { return w.inner.Status() }

func (w *Wrapper) Latency() adapter.Latency { return w.inner.Latency() }

func (w *Wrapper) Subscribe(l adapter.Listener) func() { return w.inner.Subscribe(l) }

// Disconnect flushes outstanding sends before closing the wire.
func (w *Wrapper) Disconnect(ctx context.Context) error {
	w.flush()
	return w.inner.Disconnect(ctx)
}

// Send queues the command for the next batch and blocks until that batch
// resolves. A full batch flushes immediately; a partial one after the
// window elapses.
func (w *Wrapper) Send(ctx context.Context, cmd *command.Command) error {
	done := make(chan error, 1)

	w.mu.Lock()
	w.pending = append(w.pending, pendingSend{cmd: cmd, done: done})
	full := len(w.pending) >= w.cfg.BatchSize
	if full {
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
	} else if w.timer == nil {
		w.timer = time.AfterFunc(w.cfg.Window, w.flush)
	}
	w.mu.Unlock()

	if full {
		w.flush()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// SendBatch passes a pre-assembled batch straight through.
func (w *Wrapper) SendBatch(ctx context.Context, cmds []*command.Command) error {
	return w.batch.SendBatch(ctx, cmds)
}

// flush dispatches everything pending as one frame.
func (w *Wrapper) flush() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if len(pending) == 1 {
		err = w.inner.Send(ctx, pending[0].cmd)
	} else {
		cmds := make([]*command.Command, len(pending))
		for i, p := range pending {
			cmds[i] = p.cmd
		}
		err = w.batch.SendBatch(ctx, cmds)
	}
	for _, p := range pending {
		p.done <- err
	}
}
