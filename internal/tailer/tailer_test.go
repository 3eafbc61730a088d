package tailer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/atikulmunna/mcpmon/internal/model"
)

const testInterval = 20 * time.Millisecond

// collect reads n lines from ch or fails after timeout.
func collect(t *testing.T, ch <-chan model.RawLine, n int, timeout time.Duration) []string {
	t.Helper()
	var got []string
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case raw := <-ch:
			got = append(got, raw.Text)
		case <-deadline:
			t.Fatalf("timed out after %d of %d lines: %v", len(got), n, got)
		}
	}
	return got
}

// expectQuiet fails if anything arrives on ch within d.
func expectQuiet(t *testing.T, ch <-chan model.RawLine, d time.Duration) {
	t.Helper()
	select {
	case raw := <-ch:
		t.Fatalf("unexpected extra line %q", raw.Text)
	case <-time.After(d):
	}
}

func appendTo(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(s); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func startTailer(t *testing.T, path string, opts Options) (*Tailer, chan model.RawLine) {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = testInterval
	}
	out := make(chan model.RawLine, 64)
	tail := New(path, out, opts)
	tail.Start(context.Background())
	t.Cleanup(func() { tail.Stop() })
	return tail, out
}

// readAll collects every complete line ReadLines yields from offset.
func readAll(path string, offset int64) ([]Line, int64, error) {
	var lines []Line
	next, err := ReadLines(path, offset, func(l Line) error {
		lines = append(lines, l)
		return nil
	})
	return lines, next, err
}

func TestReadLinesLeavesPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(path, []byte("alpha\nbeta\ngam"), 0644); err != nil {
		t.Fatal(err)
	}

	lines, next, err := readAll(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0].Text != "alpha" || lines[1].Text != "beta" {
		t.Fatalf("unexpected lines %+v", lines)
	}
	if next != 11 || lines[1].End != 11 {
		t.Errorf("expected offset 11, got next=%d end=%d", next, lines[1].End)
	}

	appendTo(t, path, "ma\n")
	lines, next, err = readAll(path, next)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0].Text != "gamma" {
		t.Fatalf("expected completed fragment, got %+v", lines)
	}
	if next != 17 {
		t.Errorf("expected offset 17, got %d", next)
	}
}

func TestReadLinesNormalizesText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	content := []byte("\xEF\xBB\xBFfirst\r\nbad \xff byte\n\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	lines, next, err := readAll(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	var texts []string
	for _, l := range lines {
		texts = append(texts, l.Text)
	}
	want := []string{"first", "bad \uFFFD byte", ""}
	if !reflect.DeepEqual(texts, want) {
		t.Errorf("expected %q, got %q", want, texts)
	}
	if next != int64(len(content)) {
		t.Errorf("expected offset %d, got %d", len(content), next)
	}
}

func TestReadLinesMissingFile(t *testing.T) {
	_, next, err := readAll(filepath.Join(t.TempDir(), "nope.log"), 7)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	if next != 7 {
		t.Errorf("offset should be unchanged on error, got %d", next)
	}
}

func TestReadLinesStopsWhenEmitFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0644); err != nil {
		t.Fatal(err)
	}

	errFull := errors.New("consumer full")
	var got []string
	next, err := ReadLines(path, 0, func(l Line) error {
		if len(got) == 2 {
			return errFull
		}
		got = append(got, l.Text)
		return nil
	})
	if !errors.Is(err, errFull) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Errorf("expected two lines, got %q", got)
	}
	if next != 8 {
		t.Errorf("expected offset 8 after the accepted lines, got %d", next)
	}

	rest, _, err := readAll(path, next)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || rest[0].Text != "three" {
		t.Errorf("expected resume at third line, got %+v", rest)
	}
}

func TestOpenSharedAllowsRenameAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	if err := os.WriteFile(path, []byte("held\n"), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := openShared(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	moved := filepath.Join(dir, "test.log.1")
	if err := os.Rename(path, moved); err != nil {
		t.Fatalf("rename while open: %v", err)
	}
	appendTo(t, path, "fresh\n")
	if err := os.Remove(moved); err != nil {
		t.Fatalf("remove while open: %v", err)
	}

	buf := make([]byte, 5)
	if _, err := f.Read(buf); err != nil || string(buf) != "held\n" {
		t.Errorf("open handle should still read old content, got %q, %v", buf, err)
	}
}

func TestTailReadsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(path, []byte("existing line\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, out := startTailer(t, path, Options{})

	got := collect(t, out, 1, 2*time.Second)
	if got[0] != "existing line" {
		t.Errorf("expected 'existing line', got %q", got[0])
	}
}

func TestTailAppendsAcrossCyclesExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	_, out := startTailer(t, path, Options{})

	chunks := []string{"one\ntw", "o\n", "thr", "ee\nfour\n", "five\nsix"}
	for _, c := range chunks {
		appendTo(t, path, c)
		time.Sleep(2 * testInterval)
	}

	got := collect(t, out, 5, 3*time.Second)
	want := []string{"one", "two", "three", "four", "five"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	// "six" has no terminator yet.
	expectQuiet(t, out, 5*testInterval)

	appendTo(t, path, "\n")
	got = collect(t, out, 1, 2*time.Second)
	if got[0] != "six" {
		t.Errorf("expected 'six', got %q", got[0])
	}
	expectQuiet(t, out, 5*testInterval)
}

func TestTailMissingFileAppearsLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.log")

	tail, out := startTailer(t, path, Options{})

	time.Sleep(3 * testInterval)
	if n := tail.ConsecutiveErrors(); n != 0 {
		t.Errorf("missing file must not count as an error, got %d", n)
	}

	appendTo(t, path, "hello\n")
	got := collect(t, out, 1, 2*time.Second)
	if got[0] != "hello" {
		t.Errorf("expected 'hello', got %q", got[0])
	}
}

func TestTailTruncationInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, out := startTailer(t, path, Options{})
	collect(t, out, 3, 2*time.Second)

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * testInterval)
	appendTo(t, path, "four\n")

	got := collect(t, out, 1, 2*time.Second)
	if got[0] != "four" {
		t.Errorf("expected 'four' after truncation, got %q", got[0])
	}
	expectQuiet(t, out, 5*testInterval)
}

func TestTailRotationByReplacement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	if err := os.WriteFile(path, []byte("old one\nold two\nold three\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, out := startTailer(t, path, Options{})
	collect(t, out, 3, 2*time.Second)

	replacement := filepath.Join(dir, "test.log.new")
	if err := os.WriteFile(replacement, []byte("fresh\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(replacement, path); err != nil {
		t.Fatal(err)
	}

	got := collect(t, out, 1, 2*time.Second)
	if got[0] != "fresh" {
		t.Errorf("expected 'fresh' from the replacement file, got %q", got[0])
	}
	expectQuiet(t, out, 5*testInterval)

	appendTo(t, path, "after\n")
	got = collect(t, out, 1, 2*time.Second)
	if got[0] != "after" {
		t.Errorf("expected 'after', got %q", got[0])
	}
}

func TestTailBatchDeliveredPromptly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	_, out := startTailer(t, path, Options{PollInterval: 100 * time.Millisecond})
	time.Sleep(50 * time.Millisecond)

	appendTo(t, path, "l1\nl2\nl3\n")
	got := collect(t, out, 3, 400*time.Millisecond)
	if !reflect.DeepEqual(got, []string{"l1", "l2", "l3"}) {
		t.Errorf("expected lines in order, got %v", got)
	}
}

func TestTailRecoversFromTransientErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(path, []byte("survivor\n"), 0644); err != nil {
		t.Fatal(err)
	}

	out := make(chan model.RawLine, 8)
	tail := New(path, out, Options{PollInterval: testInterval})
	tail.jitter = func() float64 { return 0.5 }

	var calls atomic.Int32
	tail.read = func(p string, off int64, emit func(Line) error) (int64, error) {
		if calls.Add(1) <= 2 {
			return off, &fs.PathError{Op: "read", Path: p, Err: syscall.EBUSY}
		}
		return ReadLines(p, off, emit)
	}

	tail.Start(context.Background())
	defer tail.Stop()

	got := collect(t, out, 1, 3*time.Second)
	if got[0] != "survivor" {
		t.Errorf("expected 'survivor', got %q", got[0])
	}
	if n := calls.Load(); n < 3 {
		t.Errorf("expected at least 3 read attempts, got %d", n)
	}

	time.Sleep(2 * testInterval)
	if n := tail.ConsecutiveErrors(); n != 0 {
		t.Errorf("expected error count reset after recovery, got %d", n)
	}
}

func TestTransientErrorCountCapsAndHolds(t *testing.T) {
	tail := New("/nonexistent", make(chan model.RawLine), Options{MaxRetries: 3})
	tail.jitter = func() float64 { return 1 }
	tail.st.offset = 42
	tail.st.firstRead = false

	ioErr := &fs.PathError{Op: "open", Path: "/nonexistent", Err: syscall.EACCES}

	var waits []time.Duration
	for i := 0; i < 6; i++ {
		waits = append(waits, tail.transient(ioErr))
	}

	if tail.st.errCount != 3 {
		t.Errorf("expected error count held at 3, got %d", tail.st.errCount)
	}
	if tail.ConsecutiveErrors() != 3 {
		t.Errorf("expected mirrored count 3, got %d", tail.ConsecutiveErrors())
	}
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond,
		800 * time.Millisecond, 800 * time.Millisecond, 800 * time.Millisecond}
	if !reflect.DeepEqual(waits, want) {
		t.Errorf("expected waits %v, got %v", want, waits)
	}
	if tail.st.offset != 0 || !tail.st.firstRead {
		t.Error("expected offset and first-read flag reset after an I/O error")
	}
}

func TestTailSurvivesUnexpectedError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(path, []byte("still here\n"), 0644); err != nil {
		t.Fatal(err)
	}

	out := make(chan model.RawLine, 8)
	tail := New(path, out, Options{PollInterval: testInterval})

	var calls atomic.Int32
	tail.read = func(p string, off int64, emit func(Line) error) (int64, error) {
		switch calls.Add(1) {
		case 1:
			return off, errors.New("decoder exploded")
		case 2:
			panic("reader bug")
		}
		return ReadLines(p, off, emit)
	}

	tail.Start(context.Background())
	defer tail.Stop()

	got := collect(t, out, 1, 3*time.Second)
	if got[0] != "still here" {
		t.Errorf("expected 'still here', got %q", got[0])
	}
	if tail.ConsecutiveErrors() != 0 {
		t.Error("unexpected errors must not feed the I/O backoff counter")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		count  int
		jitter float64
		want   time.Duration
	}{
		{0, 1, 100 * time.Millisecond},
		{1, 1, 200 * time.Millisecond},
		{5, 1, 3200 * time.Millisecond},
		{6, 1, 6400 * time.Millisecond},
		{7, 1, 10 * time.Second},
		{7, 0.5, 5 * time.Second},
		{7, 1.5, 15 * time.Second},
		{100, 1, 10 * time.Second},
		{-3, 1, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := Backoff(tt.count, tt.jitter); got != tt.want {
			t.Errorf("Backoff(%d, %v) = %v, want %v", tt.count, tt.jitter, got, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if !isTransient(&fs.PathError{Op: "open", Path: "x", Err: syscall.EBUSY}) {
		t.Error("path errors should be transient")
	}
	if !isTransient(syscall.EAGAIN) {
		t.Error("errno values should be transient")
	}
	if isTransient(errors.New("boom")) {
		t.Error("plain errors should be unexpected")
	}
	if isTransient(errUnexpected) {
		t.Error("errUnexpected should never be transient")
	}
}

func TestStopUnblocksPendingSend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(path, []byte("a\nb\nc\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// Unbuffered and never read: the loop blocks on its first send.
	tail := New(path, make(chan model.RawLine), Options{PollInterval: testInterval})
	tail.Start(context.Background())
	time.Sleep(3 * testInterval)

	if !tail.Stop() {
		t.Fatal("expected Stop to complete within the grace period")
	}
	select {
	case <-tail.Done():
	default:
		t.Error("expected Done to be closed after Stop")
	}
}

func TestStopWithoutStart(t *testing.T) {
	tail := New("/nonexistent", make(chan model.RawLine), Options{})
	if !tail.Stop() {
		t.Error("Stop on an unstarted tailer should succeed")
	}
	// A later Start is a no-op.
	tail.Start(context.Background())
	select {
	case <-tail.Done():
	default:
		t.Error("expected Done to stay closed")
	}
}
