// Package pipeline wires discovery, classification and fan-out into a single
// object with an explicit Start/Stop lifecycle. Nothing here is global, so
// several pipelines can run side by side.
package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atikulmunna/mcpmon/internal/aggregator"
	"github.com/atikulmunna/mcpmon/internal/config"
	"github.com/atikulmunna/mcpmon/internal/hub"
	"github.com/atikulmunna/mcpmon/internal/logging"
	"github.com/atikulmunna/mcpmon/internal/metrics"
	"github.com/atikulmunna/mcpmon/internal/model"
	"github.com/atikulmunna/mcpmon/internal/output"
	"github.com/atikulmunna/mcpmon/internal/parser"
	"github.com/atikulmunna/mcpmon/internal/tailer"
	"github.com/atikulmunna/mcpmon/internal/watcher"
)

const lineBuffer = 1024

// Pipeline is discovery → tailers → classifier → hub (and console).
type Pipeline struct {
	cfg      config.Config
	logger   *slog.Logger
	parser   parser.Parser
	filter   *parser.Filter
	renderer output.Renderer

	lines     chan model.RawLine
	discovery *watcher.Discovery
	hub       *hub.Hub
	stats     *aggregator.Aggregator
	registry  *prometheus.Registry
	metrics   *metrics.Metrics

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a pipeline from cfg. renderer may be nil for no console output.
func New(cfg config.Config, renderer output.Renderer, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	lines := make(chan model.RawLine, lineBuffer)

	d, err := watcher.New(lines, watcher.Options{
		Root:           cfg.LogsRoot,
		Pattern:        cfg.LogPattern,
		RescanInterval: cfg.RescanInterval,
		Tail: tailer.Options{
			PollInterval:     cfg.PollInterval,
			TruncationNotice: cfg.TruncationNotice,
			MaxRetries:       cfg.MaxRetries,
			StopGrace:        cfg.StopGrace,
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	h := hub.New(logger, m)
	return &Pipeline{
		cfg:       cfg,
		logger:    logger.With("component", "pipeline"),
		parser:    parser.NewMCPParser(),
		filter:    parser.NewFilter(cfg.Filter, cfg.MinLevel()),
		renderer:  renderer,
		lines:     lines,
		discovery: d,
		hub:       h,
		stats:     aggregator.New(d.Count, h.Count),
		registry:  reg,
		metrics:   m,
		done:      make(chan struct{}),
	}, nil
}

// Start launches discovery and the classify loop. It returns immediately.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.discovery.Start(ctx)
		go p.stats.Start(ctx)
		go p.loop(ctx)
		p.logger.Info("monitoring started",
			"logs_root", p.discovery.Root(),
			"pattern", p.cfg.LogPattern,
			"poll_interval", p.cfg.PollInterval,
			"filter", p.cfg.Filter,
			"verbosity", p.cfg.MinLevel().String(),
		)
	})
}

func (p *Pipeline) loop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-p.lines:
			p.handle(raw)
		}
	}
}

// handle runs one raw line through filter, classifier and sinks.
func (p *Pipeline) handle(raw model.RawLine) {
	if !p.filter.Allow(raw.Text) {
		p.stats.RecordFiltered()
		return
	}
	ev, ok := p.parser.Parse(raw.Text, raw.Source)
	if !ok {
		return
	}
	if !p.filter.AllowEvent(ev) {
		p.stats.RecordFiltered()
		return
	}

	p.stats.Record(ev)
	p.metrics.EventClassified(string(ev.Category))

	if p.renderer != nil {
		if err := p.renderer.Render(ev); err != nil {
			p.logger.Warn("render failed", "error", err)
		}
	}
	if _, err := p.hub.Broadcast(ev); err != nil {
		p.logger.Debug("broadcast skipped", "error", err)
	}
}

// Stop stops every tailer, the hub and the classify loop. It is bounded by
// the tailers' stop grace period and safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.discovery.Stop()
		p.startOnce.Do(func() { close(p.done) }) // never started
		if p.cancel != nil {
			p.cancel()
		}
		// Closing the hub first unblocks a broadcast stuck on slow subscribers.
		p.hub.Close()
		<-p.done
		p.logger.Info("monitoring stopped")
	})
}

// Hub returns the broadcast hub so transports can attach subscribers.
func (p *Pipeline) Hub() *hub.Hub {
	return p.hub
}

// Aggregator returns the live statistics collector.
func (p *Pipeline) Aggregator() *aggregator.Aggregator {
	return p.stats
}

// Stats returns a snapshot of the live statistics.
func (p *Pipeline) Stats() aggregator.Stats {
	return p.stats.Snapshot()
}

// Registry returns this pipeline's Prometheus registry.
func (p *Pipeline) Registry() *prometheus.Registry {
	return p.registry
}

// Files returns the paths currently being tailed.
func (p *Pipeline) Files() []string {
	return p.discovery.Paths()
}
