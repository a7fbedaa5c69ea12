package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/agents"
	"github.com/fyrsmithlabs/itemforge/internal/config"
	"github.com/fyrsmithlabs/itemforge/internal/events"
	"github.com/fyrsmithlabs/itemforge/internal/injection"
	"github.com/fyrsmithlabs/itemforge/internal/logging"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/provider"
	"github.com/fyrsmithlabs/itemforge/internal/reliability"
	"github.com/fyrsmithlabs/itemforge/internal/research"
	"github.com/fyrsmithlabs/itemforge/internal/scheduler"
	"github.com/fyrsmithlabs/itemforge/internal/scoring"
	"github.com/fyrsmithlabs/itemforge/internal/store"
	"github.com/fyrsmithlabs/itemforge/internal/telemetry"
)

// Registry provides access to the assembled services.
type Registry interface {
	Store() store.Store
	Providers() *provider.Registry
	Gate() *injection.Gate
	Events() events.Publisher
	Subscriber() events.Subscriber
	Dispatcher() *orchestrator.Dispatcher
	Scheduler() *scheduler.Scheduler
	Close(ctx context.Context) error
}

// Options configures Build. Config, Agents and Logger are required; the
// remaining fields replace what Build would otherwise create.
type Options struct {
	Config    *config.Config
	Agents    *config.AgentSettings
	Logger    *logging.Logger
	Telemetry *telemetry.Telemetry

	// Registerer receives the scheduler metrics. Defaults to the global
	// Prometheus registerer.
	Registerer prometheus.Registerer

	Providers *provider.Registry
	Searcher  research.Searcher
	Store     store.Store
	Events    events.Publisher
}

type registry struct {
	store      store.Store
	providers  *provider.Registry
	gate       *injection.Gate
	events     events.Publisher
	subscriber events.Subscriber
	dispatcher *orchestrator.Dispatcher
	scheduler  *scheduler.Scheduler
	closers    []func(context.Context) error
}

func (r *registry) Store() store.Store                   { return r.store }
func (r *registry) Providers() *provider.Registry        { return r.providers }
func (r *registry) Gate() *injection.Gate                { return r.gate }
func (r *registry) Events() events.Publisher             { return r.events }
func (r *registry) Subscriber() events.Subscriber        { return r.subscriber }
func (r *registry) Dispatcher() *orchestrator.Dispatcher { return r.dispatcher }
func (r *registry) Scheduler() *scheduler.Scheduler      { return r.scheduler }

// Close shuts services down in reverse creation order.
func (r *registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// builder carries shared dependencies while Build runs.
type builder struct {
	opts   Options
	zap    *zap.Logger
	policy reliability.RetryPolicy
	fixer  *agents.Fixer
	reg    *registry
}

// Build assembles every service from opts. On error, services created so
// far are closed.
func Build(ctx context.Context, opts Options) (_ Registry, err error) {
	if opts.Config == nil || opts.Agents == nil {
		return nil, errors.New("config and agent settings are required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}

	b := &builder{
		opts:   opts,
		zap:    opts.Logger.Underlying(),
		policy: reliability.PolicyFromConfig(opts.Config.Retry),
		fixer:  agents.NewFixer(opts.Agents.JSONFix, opts.Logger.Named("fixer")),
		reg:    &registry{},
	}
	defer func() {
		if err != nil {
			_ = b.reg.Close(context.Background())
		}
	}()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", b.buildStore},
		{"providers", b.buildProviders},
		{"events", b.buildEvents},
		{"injection gate", b.buildGate},
		{"dispatcher", b.buildDispatcher},
		{"scheduler", b.buildScheduler},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return nil, fmt.Errorf("building %s: %w", step.name, err)
		}
	}
	return b.reg, nil
}

func (b *builder) buildStore(ctx context.Context) error {
	st := b.opts.Store
	if st == nil {
		var err error
		st, err = store.Open(ctx, b.opts.Config.Store, b.zap.Named("store"))
		if err != nil {
			return err
		}
	}
	b.reg.store = st
	b.reg.closers = append(b.reg.closers, func(context.Context) error { return st.Close() })
	return nil
}

func (b *builder) buildProviders(context.Context) error {
	reg := b.opts.Providers
	if reg == nil {
		var err error
		reg, err = provider.NewRegistry(b.opts.Config.Providers, b.zap.Named("provider"))
		if err != nil {
			return err
		}
	}
	if reg.Len() == 0 {
		return errors.New("no enabled inference providers")
	}
	b.reg.providers = reg
	return nil
}

// buildEvents publishes to NATS when configured. An in-process hub always
// receives events so the API can stream them.
func (b *builder) buildEvents(context.Context) error {
	hub := events.NewHub()
	b.reg.subscriber = hub

	switch {
	case b.opts.Events != nil:
		b.reg.events = events.Multi{b.opts.Events, hub}
	case b.opts.Config.NATS.URL != "":
		nc, err := events.Connect(b.opts.Config.NATS.URL, b.zap.Named("events"))
		if err != nil {
			return err
		}
		b.reg.events = events.Multi{nc, hub}
		b.reg.closers = append(b.reg.closers, func(context.Context) error { return nc.Close() })
	default:
		b.reg.events = hub
	}
	return nil
}

func (b *builder) buildGate(context.Context) error {
	cfg := b.opts.Config.Injection
	if !cfg.Enabled {
		return nil
	}
	primary, err := b.invoker("injection", []string{cfg.Primary})
	if err != nil {
		return fmt.Errorf("primary classifier: %w", err)
	}
	var secondary injection.Caller
	if cfg.Secondary != "" {
		if _, _, ok := b.reg.providers.Get(cfg.Secondary); !ok {
			b.zap.Warn("secondary injection classifier unavailable, screening with the primary only",
				zap.String("provider", cfg.Secondary))
		} else {
			inv, err := b.invoker("injection", []string{cfg.Secondary})
			if err != nil {
				return fmt.Errorf("secondary classifier: %w", err)
			}
			secondary = inv
		}
	}
	b.reg.gate = injection.New(cfg, primary, secondary, b.zap.Named("injection"))
	return nil
}

func (b *builder) buildDispatcher(context.Context) error {
	settings := b.opts.Agents
	logger := b.opts.Logger

	agent := func(name string) (agents.Agent, error) {
		resolved := settings.Agent(name)
		inv, err := b.invoker(name, resolved.Providers)
		if err != nil {
			return agents.Agent{}, fmt.Errorf("agent %s: %w", name, err)
		}
		return agents.NewAgent(resolved, inv), nil
	}

	names := []string{
		config.AgentWebSurfer,
		config.AgentItemWriter,
		config.AgentContentReviewer,
		config.AgentLinguisticReviewer,
		config.AgentBiasReviewer,
		config.AgentMetaEditor,
		config.AgentLewMod,
	}
	built := make(map[string]agents.Agent, len(names))
	for _, name := range names {
		a, err := agent(name)
		if err != nil {
			return err
		}
		built[name] = a
	}

	researcher, err := b.researcher(built[config.AgentWebSurfer])
	if err != nil {
		return err
	}
	nodes := orchestrator.Nodes{
		Research: agents.NewResearchNode(researcher),
		Generation: agents.NewWriter(built[config.AgentItemWriter], b.fixer,
			agents.WithHistory(b.reg.store, settings.Workflow.HistoryLimit),
			agents.WithWriterLogger(logger.Named("writer")),
		),
		Review: agents.NewReviewStage(agents.Reviewers{
			Content:    built[config.AgentContentReviewer],
			Linguistic: built[config.AgentLinguisticReviewer],
			Bias:       built[config.AgentBiasReviewer],
			Editor:     built[config.AgentMetaEditor],
		}, b.fixer, scoring.ThresholdsFromConfig(b.opts.Config.Gate),
			agents.WithReviewLogger(logger.Named("review")),
			agents.WithReviewTracer(b.opts.Telemetry.Tracer("github.com/fyrsmithlabs/itemforge/internal/agents")),
		),
		Approval: agents.NewLewMod(built[config.AgentLewMod], b.fixer, logger.Named("lewmod")),
	}

	opts := []orchestrator.Option{
		orchestrator.WithEvents(b.reg.events),
		orchestrator.WithLogger(logger.Named("dispatcher")),
		orchestrator.WithTracer(b.opts.Telemetry.Tracer("github.com/fyrsmithlabs/itemforge/internal/orchestrator")),
	}
	if b.reg.gate != nil {
		opts = append(opts, orchestrator.WithScreen(b.reg.gate))
	}
	d, err := orchestrator.NewDispatcher(nodes, b.reg.store, opts...)
	if err != nil {
		return err
	}
	b.reg.dispatcher = d
	return nil
}

func (b *builder) researcher(surfer agents.Agent) (*research.Researcher, error) {
	cfg := b.opts.Config.Research
	resolved := b.opts.Agents.Agent(config.AgentWebSurfer)

	searcher := b.opts.Searcher
	if searcher == nil && cfg.Enabled {
		t, err := research.NewTavily(research.TavilyConfig{
			APIKey:  cfg.APIKey.Value(),
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout.Duration(),
		})
		if err != nil {
			return nil, fmt.Errorf("research: %w", err)
		}
		searcher = t
	}
	return &research.Researcher{
		Searcher:   searcher,
		Summarizer: &agents.WebSurfer{Agent: surfer, Fixer: b.fixer},
		Store:      b.reg.store,
		CacheTTL:   cfg.CacheTTL.Duration(),
		MaxResults: resolved.MaxResults,
		Depth:      resolved.SearchDepth,
		Logger:     b.zap.Named("research"),
	}, nil
}

func (b *builder) buildScheduler(context.Context) error {
	s := scheduler.New(b.opts.Config.Scheduler, b.reg.dispatcher,
		scheduler.WithStore(b.reg.store),
		scheduler.WithEvents(b.reg.events),
		scheduler.WithMetrics(scheduler.NewMetrics(b.opts.Registerer)),
		scheduler.WithLogger(b.opts.Logger.Named("scheduler")),
		scheduler.WithDefaults(scheduler.Defaults{
			MaxRevisions: b.opts.Agents.Workflow.MaxRevisions,
			NumItems:     b.opts.Agents.Agent(config.AgentItemWriter).NumItems,
		}),
	)
	b.reg.scheduler = s
	b.reg.closers = append(b.reg.closers, s.Shutdown)
	return nil
}

// invoker builds a retrying invoker over the named providers. An empty
// list uses every configured provider in config order.
func (b *builder) invoker(component string, names []string) (*reliability.Invoker, error) {
	if len(names) == 0 {
		for _, pc := range b.opts.Config.Providers {
			names = append(names, pc.Name)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("no provider chain configured for %s", component)
		}
	}
	chain, err := reliability.ChainFromNames(b.reg.providers, names)
	if err != nil {
		return nil, err
	}
	tel := b.opts.Telemetry
	return reliability.NewInvoker(chain, b.policy,
		reliability.WithLogger(b.zap.Named("reliability").With(zap.String("component", component))),
		reliability.WithTracer(tel.Tracer("github.com/fyrsmithlabs/itemforge/internal/reliability")),
		reliability.WithMeter(tel.Meter("github.com/fyrsmithlabs/itemforge/internal/reliability")),
	), nil
}
