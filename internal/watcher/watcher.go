package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc"

	"github.com/atikulmunna/mcpmon/internal/logging"
	"github.com/atikulmunna/mcpmon/internal/metrics"
	"github.com/atikulmunna/mcpmon/internal/model"
	"github.com/atikulmunna/mcpmon/internal/tailer"
)

// Options configure a Discovery.
type Options struct {
	Root    string
	Pattern string

	// RescanInterval controls the reconciliation walk that catches files and
	// directories fsnotify missed (created before a watch was installed, or
	// on platforms without reliable events). Zero disables it.
	RescanInterval time.Duration

	Tail    tailer.Options
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// dirWatch is the recursive watch installed for one direct child of the root.
type dirWatch struct {
	path   string
	fsw    *fsnotify.Watcher
	active bool
}

// Discovery watches a root directory for subdirectories and, inside each
// subdirectory tree, for files matching the pattern. Every distinct match gets
// exactly one Tailer writing to the shared output channel.
type Discovery struct {
	root    string
	matcher *Matcher
	opts    Options
	out     chan<- model.RawLine
	logger  *slog.Logger

	mu      sync.Mutex
	dirs    map[string]*dirWatch
	rootW   *fsnotify.Watcher
	stopped bool

	tmu     sync.Mutex
	tailers map[string]*tailer.Tailer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Discovery that sends lines from every tailed file to out.
func New(out chan<- model.RawLine, opts Options) (*Discovery, error) {
	m, err := NewMatcher(opts.Pattern)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tail.Logger == nil {
		opts.Tail.Logger = opts.Logger
	}
	if opts.Tail.Metrics == nil {
		opts.Tail.Metrics = opts.Metrics
	}

	return &Discovery{
		root:    root,
		matcher: m,
		opts:    opts,
		out:     out,
		logger:  opts.Logger.With("component", "discovery"),
		dirs:    make(map[string]*dirWatch),
		tailers: make(map[string]*tailer.Tailer),
	}, nil
}

// Start begins discovery in the background. A root that does not exist yet
// is waited for.
func (d *Discovery) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil || d.stopped {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.run(d.ctx)
}

func (d *Discovery) run(ctx context.Context) {
	defer d.wg.Done()

	if !d.waitForRoot(ctx) {
		return
	}

	if err := d.watchRoot(ctx); err != nil {
		d.logger.Error("cannot watch logs root, relying on rescans", "root", d.root, "error", err)
	}
	d.scanRoot(ctx)
	d.logger.Info("root directory watcher enabled", "root", d.root, "pattern", d.matcher.Pattern())

	if d.opts.RescanInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(d.opts.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reconcile(ctx)
		}
	}
}

// waitForRoot blocks until the root exists as a directory.
func (d *Discovery) waitForRoot(ctx context.Context) bool {
	interval := d.opts.Tail.PollInterval
	if interval <= 0 {
		interval = tailer.DefaultPollInterval
	}

	logged := false
	for {
		info, err := os.Stat(d.root)
		if err == nil && info.IsDir() {
			return true
		}
		if !logged {
			d.logger.Info("waiting for logs root to appear", "root", d.root)
			logged = true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

// watchRoot installs the non-recursive watcher for new direct children.
func (d *Discovery) watchRoot(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(d.root); err != nil {
		fsw.Close()
		return err
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		fsw.Close()
		return nil
	}
	d.rootW = fsw
	d.wg.Add(1)
	d.mu.Unlock()

	go d.rootLoop(ctx, fsw)
	return nil
}

func (d *Discovery) rootLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				d.addDirectory(ctx, ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			d.logger.Warn("root watcher error", "error", err)
		}
	}
}

// scanRoot processes every existing direct child directory of the root.
func (d *Discovery) scanRoot(ctx context.Context) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("cannot list logs root", "root", d.root, "error", err)
		}
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() {
			d.addDirectory(ctx, filepath.Join(d.root, e.Name()))
		}
	}
}

// addDirectory installs a recursive watch on dir and scans it for existing
// matches. Repeated calls for the same path are no-ops.
func (d *Discovery) addDirectory(ctx context.Context, dir string) {
	dir = filepath.Clean(dir)

	d.mu.Lock()
	if _, ok := d.dirs[dir]; ok || d.stopped {
		d.mu.Unlock()
		return
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		d.mu.Unlock()
		d.logger.Warn("cannot create directory watcher", "dir", dir, "error", err)
		return
	}
	dw := &dirWatch{path: dir, fsw: fsw, active: true}
	d.dirs[dir] = dw
	n := len(d.dirs)
	d.wg.Add(1)
	d.mu.Unlock()

	d.opts.Metrics.SetDirectories(n)
	go d.dirLoop(ctx, dw)

	d.walk(ctx, dw, dir)
	d.logger.Info("monitoring subdirectory", "dir", dir)
}

// walk adds a watch for every directory under start and tails every matching
// file already present.
func (d *Discovery) walk(ctx context.Context, dw *dirWatch, start string) {
	_ = filepath.WalkDir(start, func(path string, entry fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if err != nil {
			// Vanished or unreadable; the next rescan retries.
			return nil
		}
		if entry.IsDir() {
			if err := dw.fsw.Add(path); err != nil && !errors.Is(err, fsnotify.ErrClosed) {
				d.logger.Debug("cannot watch directory", "dir", path, "error", err)
			}
			return nil
		}
		d.consider(ctx, dw, path)
		return nil
	})
}

func (d *Discovery) dirLoop(ctx context.Context, dw *dirWatch) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-dw.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue // gone again before we looked
			}
			if info.IsDir() {
				d.walk(ctx, dw, ev.Name)
				continue
			}
			d.consider(ctx, dw, ev.Name)
		case err, ok := <-dw.fsw.Errors:
			if !ok {
				return
			}
			d.logger.Warn("directory watcher error", "dir", dw.path, "error", err)
		}
	}
}

func (d *Discovery) consider(ctx context.Context, dw *dirWatch, path string) {
	if d.matcher.Match(path, dw.path, d.root) {
		d.startTailer(ctx, path)
	}
}

// startTailer starts one Tailer per path; later calls for the same path are
// ignored while the first is alive.
func (d *Discovery) startTailer(ctx context.Context, path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}

	d.tmu.Lock()
	if _, ok := d.tailers[abs]; ok {
		d.tmu.Unlock()
		return
	}
	t := tailer.New(abs, d.out, d.opts.Tail)
	d.tailers[abs] = t
	n := len(d.tailers)
	d.tmu.Unlock()

	t.Start(ctx)
	d.opts.Metrics.SetTailers(n)
	d.logger.Info("now tailing", "file", abs)
}

// reconcile repeats the startup scan and re-walks every watched tree.
func (d *Discovery) reconcile(ctx context.Context) {
	d.scanRoot(ctx)

	d.mu.Lock()
	dirs := make([]*dirWatch, 0, len(d.dirs))
	for _, dw := range d.dirs {
		if dw.active {
			dirs = append(dirs, dw)
		}
	}
	d.mu.Unlock()

	for _, dw := range dirs {
		if ctx.Err() != nil {
			return
		}
		if _, err := os.Stat(dw.path); err != nil {
			continue
		}
		d.walk(ctx, dw, dw.path)
	}
}

// Stop closes every watcher and stops every tailer. Tailers are stopped in
// parallel, so Stop returns within roughly one stop grace period even if some
// of them are stuck.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	if d.cancel != nil {
		d.cancel()
	}
	if d.rootW != nil {
		d.rootW.Close()
	}
	for _, dw := range d.dirs {
		dw.active = false
		dw.fsw.Close()
	}
	d.mu.Unlock()

	d.wg.Wait()

	d.tmu.Lock()
	tailers := make([]*tailer.Tailer, 0, len(d.tailers))
	for _, t := range d.tailers {
		tailers = append(tailers, t)
	}
	d.tailers = make(map[string]*tailer.Tailer)
	d.tmu.Unlock()

	var wg conc.WaitGroup
	for _, t := range tailers {
		wg.Go(func() { t.Stop() })
	}
	wg.Wait()

	d.opts.Metrics.SetTailers(0)
	d.opts.Metrics.SetDirectories(0)
	d.logger.Info("discovery stopped", "tailers", len(tailers))
}

// Paths returns the files currently being tailed, sorted.
func (d *Discovery) Paths() []string {
	d.tmu.Lock()
	defer d.tmu.Unlock()
	paths := make([]string, 0, len(d.tailers))
	for p := range d.tailers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Count returns the number of files currently being tailed.
func (d *Discovery) Count() int {
	d.tmu.Lock()
	defer d.tmu.Unlock()
	return len(d.tailers)
}

// Directories returns the subdirectories with an active watch, sorted.
func (d *Discovery) Directories() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	dirs := make([]string, 0, len(d.dirs))
	for p, dw := range d.dirs {
		if dw.active {
			dirs = append(dirs, p)
		}
	}
	sort.Strings(dirs)
	return dirs
}

// Root returns the absolute root directory.
func (d *Discovery) Root() string {
	return d.root
}
