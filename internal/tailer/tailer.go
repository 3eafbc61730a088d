package tailer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/atikulmunna/mcpmon/internal/logging"
	"github.com/atikulmunna/mcpmon/internal/metrics"
	"github.com/atikulmunna/mcpmon/internal/model"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultPollInterval     = time.Second
	DefaultTruncationNotice = 5 * time.Second
	DefaultMaxRetries       = 5
	DefaultStopGrace        = 2 * time.Second
	unexpectedDelayFactor   = 2
)

var errUnexpected = errors.New("unexpected tail failure")

// Options tune a Tailer. Zero fields take the package defaults.
type Options struct {
	PollInterval     time.Duration
	TruncationNotice time.Duration // minimum gap between rotation notices
	MaxRetries       int           // error count at which backoff stops growing
	StopGrace        time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.TruncationNotice <= 0 {
		o.TruncationNotice = DefaultTruncationNotice
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return o
}

// fileState is owned by the poll loop and never touched from outside it.
type fileState struct {
	offset    int64
	prevSize  int64 // -1 until the first successful read
	prevInfo  os.FileInfo
	firstRead bool
	errCount  int
}

// Tailer polls a single file and emits each newly appended complete line, in
// file order, on its output channel. It survives missing files, rotation,
// truncation and I/O errors; only Stop (or cancelling the Start context) ends
// it.
type Tailer struct {
	path   string
	out    chan<- model.RawLine
	opts   Options
	logger *slog.Logger

	notice rate.Sometimes
	jitter func() float64
	read   func(path string, offset int64, emit func(Line) error) (int64, error)

	st       fileState
	errCount atomic.Int32 // read-only mirror of st.errCount

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Tailer for path. Call Start to begin polling.
func New(path string, out chan<- model.RawLine, opts Options) *Tailer {
	opts = opts.withDefaults()
	return &Tailer{
		path:   path,
		out:    out,
		opts:   opts,
		logger: opts.Logger.With("component", "tailer", "file", filepath.Base(path)),
		notice: rate.Sometimes{Interval: opts.TruncationNotice},
		jitter: func() float64 { return 0.5 + rand.Float64() },
		read:   ReadLines,
		st:     fileState{prevSize: -1, firstRead: true},
		done:   make(chan struct{}),
	}
}

// Path returns the tailed file.
func (t *Tailer) Path() string {
	return t.path
}

// Start launches the poll loop in its own goroutine. The first poll happens
// immediately. Calling Start more than once has no effect.
func (t *Tailer) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		ctx, t.cancel = context.WithCancel(ctx)
		go t.run(ctx)
	})
}

// Stop asks the loop to exit and waits up to the grace period. It returns
// false if the loop did not finish in time and has been abandoned.
func (t *Tailer) Stop() bool {
	t.startOnce.Do(func() { close(t.done) }) // never started: nothing to wait for
	if t.cancel == nil {
		return true
	}
	t.cancel()

	timer := time.NewTimer(t.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		t.logger.Warn("tailer did not stop within grace period, abandoning", "grace", t.opts.StopGrace)
		return false
	}
}

// Done is closed when the poll loop has exited.
func (t *Tailer) Done() <-chan struct{} {
	return t.done
}

// ConsecutiveErrors reports the current error streak.
func (t *Tailer) ConsecutiveErrors() int {
	return int(t.errCount.Load())
}

func (t *Tailer) run(ctx context.Context) {
	defer close(t.done)

	for {
		wait := t.poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

// poll runs one cycle and returns how long to wait before the next one.
func (t *Tailer) poll(ctx context.Context) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			wait = t.unexpected(fmt.Errorf("%w: panic: %v", errUnexpected, r))
		}
	}()

	err := t.cycle(ctx)
	switch {
	case err == nil:
		return t.opts.PollInterval
	case ctx.Err() != nil:
		return 0
	case isTransient(err):
		return t.transient(err)
	default:
		return t.unexpected(err)
	}
}

func (t *Tailer) cycle(ctx context.Context) error {
	st := &t.st

	info, err := os.Stat(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		// Not created yet, or gone between rotations.
		st.offset = 0
		st.firstRead = true
		st.prevSize = -1
		st.prevInfo = nil
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", errUnexpected, t.path)
	}

	size := info.Size()
	replaced := st.prevInfo != nil && !os.SameFile(st.prevInfo, info)
	shrunk := !st.firstRead && st.prevSize >= 0 && size < st.prevSize
	pastEnd := st.offset > size
	if replaced || shrunk || pastEnd {
		st.offset = 0
		t.opts.Metrics.Rotated()
		t.notice.Do(func() {
			t.logger.Info("file was rotated or truncated, restarting from beginning", "size", size)
		})
	}

	if size > st.offset {
		_, err := t.read(t.path, st.offset, func(l Line) error {
			select {
			case t.out <- model.RawLine{Text: l.Text, Source: t.path}:
			case <-ctx.Done():
				return ctx.Err()
			}
			st.offset = l.End
			t.opts.Metrics.LineRead()
			return nil
		})
		if err != nil {
			return err
		}
	}

	st.prevSize = size
	st.prevInfo = info
	st.firstRead = false

	if st.errCount > 0 {
		t.logger.Info("recovered from previous errors", "errors", st.errCount)
		st.errCount = 0
		t.errCount.Store(0)
	}
	return nil
}

// transient handles a retryable I/O failure. The error count grows up to
// MaxRetries and then holds, so the delay stays at its capped value.
func (t *Tailer) transient(err error) time.Duration {
	st := &t.st
	reachedCeiling := false
	if st.errCount < t.opts.MaxRetries {
		st.errCount++
		reachedCeiling = st.errCount == t.opts.MaxRetries
	}
	t.errCount.Store(int32(st.errCount))
	t.opts.Metrics.ReadFailed("io")

	wait := Backoff(st.errCount, t.jitter())
	t.logger.Warn("I/O error, retrying",
		"error", err,
		"retry_in", wait,
		"attempt", st.errCount,
		"max_retries", t.opts.MaxRetries,
	)
	if reachedCeiling {
		t.logger.Error("maximum retries reached, continuing at reduced frequency", "max_retries", t.opts.MaxRetries)
	}

	st.offset = 0
	st.firstRead = true
	return wait
}

func (t *Tailer) unexpected(err error) time.Duration {
	t.logger.Error("unexpected error while tailing", "error", err)
	t.opts.Metrics.ReadFailed("unexpected")
	t.st.offset = 0
	t.st.firstRead = true
	return unexpectedDelayFactor * t.opts.PollInterval
}

// isTransient reports whether err came from the filesystem (locked file,
// permission race, handle exhaustion) rather than from a logic failure.
func isTransient(err error) bool {
	if errors.Is(err, errUnexpected) {
		return false
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
