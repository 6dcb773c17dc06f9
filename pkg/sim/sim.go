// Package sim is the orchestrator. It owns every deterministic random
// stream and drives the tick pipeline: node emission, gossip, delivery,
// reconciliation and supervision, in that order and never concurrently.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/canonicalize"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/eventlog"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/mesh"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/meshstore"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/node"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/prng"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/stats"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/supervisor"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/transport"
)

// ErrInvalidConfig is returned when a simulation cannot be constructed.
var ErrInvalidConfig = errors.New("sim: invalid configuration")

// Stream seed offsets. Each consumer gets its own stream so that adding a
// draw in one never shifts another.
const (
	nodeSeedStride  = 1000
	transportOffset = 999999
	jitterOffset    = 424242
)

// Defaults for a bare Config.
const (
	DefaultSeed       int64 = 1337
	DefaultWindowSize       = 5
)

// runNamespace scopes run ids generated by this package.
var runNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/FoxhunterLabs/Odyssey-Mesh/run"))

var configValidate = validator.New()

// Config describes one simulation. Zero values fall back to defaults.
type Config struct {
	Seed       int64             `json:"seed" yaml:"seed"`
	WindowSize int               `json:"window_size" yaml:"window_size" validate:"gte=0"`
	Nodes      []node.Definition `json:"nodes" yaml:"nodes" validate:"dive"`
	Rules      *supervisor.Rules `json:"rules,omitempty" yaml:"rules,omitempty"`
	Links      []LinkSpec        `json:"links,omitempty" yaml:"links,omitempty" validate:"dive"`
	World      *WorldState       `json:"world_state,omitempty" yaml:"world_state,omitempty"`
	Thresholds *mesh.Thresholds  `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	GraceTicks int               `json:"grace_ticks" yaml:"grace_ticks" validate:"gte=0"`
}

// DefaultConfig returns the stock scenario.
func DefaultConfig() Config {
	return Config{Seed: DefaultSeed, WindowSize: DefaultWindowSize}
}

func (c Config) withDefaults() Config {
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if len(c.Nodes) == 0 {
		c.Nodes = DefaultNodes()
	}
	if c.Rules == nil {
		r := supervisor.DefaultRules()
		c.Rules = &r
	}
	if c.World == nil {
		w := DefaultWorldState()
		c.World = &w
	}
	if c.Thresholds == nil {
		th := mesh.DefaultThresholds()
		c.Thresholds = &th
	}
	if c.GraceTicks == 0 {
		c.GraceTicks = meshstore.DefaultGraceTicks
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := configValidate.Struct(c.World); err != nil {
		return fmt.Errorf("%w: world state: %v", ErrInvalidConfig, err)
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, d := range c.Nodes {
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalidConfig, d.ID)
		}
		seen[d.ID] = true
	}
	for _, l := range c.Links {
		if !seen[l.A] || !seen[l.B] {
			return fmt.Errorf("%w: link %s references unknown node", ErrInvalidConfig, LinkName(l.A, l.B))
		}
		if err := l.Rule.Validate(); err != nil {
			return fmt.Errorf("%w: link %s: %v", ErrInvalidConfig, LinkName(l.A, l.B), err)
		}
	}
	if err := c.Rules.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Option configures a Simulation.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	clock     eventlog.Clock
	observers []Observer
}

// WithLogger sets the structured logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces the default simulated clock.
func WithClock(c eventlog.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithObserver registers an observer called after every tick.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// Simulation is one deterministic run.
type Simulation struct {
	cfg    Config
	runID  string
	logger *slog.Logger

	log        *eventlog.Log
	store      *meshstore.Store
	nodes      []*node.Node
	nodeIDs    []string
	transport  *transport.Transport
	engine     *mesh.Engine
	supervisor *supervisor.Supervisor
	jitter     *prng.Stream
	observers  []Observer

	rules        supervisor.Rules
	world        WorldState
	worldHistory []WorldStateChange

	tick     int
	windowID int

	// events already handed to observers
	eventsObserved int

	lastView           *mesh.View
	lastRecommendation *supervisor.Recommendation
}

// New builds a simulation, wires every stream and logs sim_init at tick 0.
func New(cfg Config, opts ...Option) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = eventlog.NewSimClock(eventlog.DefaultEpoch, eventlog.DefaultTickInterval)
	}

	s := &Simulation{
		cfg:       cfg,
		logger:    o.logger.With("component", "sim"),
		log:       eventlog.New(o.clock),
		store:     meshstore.New(),
		jitter:    prng.New(cfg.Seed + jitterOffset),
		observers: o.observers,
		rules:     *cfg.Rules,
		world:     *cfg.World,
	}

	for i, def := range cfg.Nodes {
		rng := prng.New(cfg.Seed + int64(i)*nodeSeedStride)
		n := node.New(def, rng, s.log, s.store, o.clock, node.WithLogger(o.logger.With("component", "node", "node_id", def.ID)))
		s.nodes = append(s.nodes, n)
		s.nodeIDs = append(s.nodeIDs, def.ID)
	}

	s.transport = transport.New(prng.New(cfg.Seed+transportOffset), s.log, s.store,
		transport.WithLogger(o.logger.With("component", "transport")))
	for _, l := range DefaultLinks(s.nodeIDs) {
		if err := s.transport.SetLink(l.A, l.B, l.Rule); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	for _, l := range cfg.Links {
		if err := s.transport.SetLink(l.A, l.B, l.Rule); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	s.engine = mesh.NewEngine(s.nodeIDs, s.store, cfg.GraceTicks)
	sup, err := supervisor.New(s.log, supervisor.WithLogger(o.logger.With("component", "supervisor")))
	if err != nil {
		return nil, err
	}
	if err := sup.CheckRules(s.rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	s.supervisor = sup

	configHash, err := canonicalize.StableHash(s.configMap())
	if err != nil {
		return nil, fmt.Errorf("sim: hash config: %w", err)
	}
	s.runID = uuid.NewSHA1(runNamespace, []byte(fmt.Sprintf("%d:%s", cfg.Seed, configHash))).String()

	rulesHash, err := s.rules.Hash()
	if err != nil {
		return nil, fmt.Errorf("sim: hash rules: %w", err)
	}
	if _, err := s.log.Append(eventlog.TypeSimInit, map[string]any{
		"seed":        cfg.Seed,
		"window_size": cfg.WindowSize,
		"nodes":       s.nodeDefinitionMaps(),
		"rules_hash":  rulesHash,
	}, 0); err != nil {
		return nil, fmt.Errorf("sim: log init: %w", err)
	}
	s.logger.Info("simulation initialized", "run_id", s.runID, "seed", cfg.Seed, "nodes", len(s.nodes))
	return s, nil
}

func (s *Simulation) nodeDefinitionMaps() []any {
	out := make([]any, len(s.cfg.Nodes))
	for i, d := range s.cfg.Nodes {
		out[i] = d.Map()
	}
	return out
}

func (s *Simulation) configMap() map[string]any {
	links := make(map[string]any)
	for _, l := range s.cfg.Links {
		links[LinkName(l.A, l.B)] = l.Rule.Map()
	}
	return map[string]any{
		"seed":        s.cfg.Seed,
		"window_size": s.cfg.WindowSize,
		"nodes":       s.nodeDefinitionMaps(),
		"rules":       s.rules.Map(),
		"links":       links,
		"world_state": s.world.Map(),
		"thresholds": map[string]any{
			"support":    s.cfg.Thresholds.Support,
			"contradict": s.cfg.Thresholds.Contradict,
		},
		"grace_ticks": s.cfg.GraceTicks,
	}
}

// localEnvironment jitters range and bearing for one node. Exactly two
// draws from the jitter stream per call.
func (s *Simulation) localEnvironment() node.Environment {
	rangeKM := s.world.TargetRangeKM + s.jitter.Uniform(-2, 2)
	bearing := stats.Mod360(s.world.TargetBearingDeg + s.jitter.Uniform(-10, 10))
	return node.Environment{
		TargetPresent:    s.world.TargetPresent,
		TargetRangeKM:    rangeKM,
		TargetBearingDeg: bearing,
		TargetSpeedKnots: s.world.TargetSpeedKnots,
		SeaState:         s.world.SeaState,
		AmbientNoiseDB:   s.world.AmbientNoiseDB,
	}
}

// Step executes one tick. Observers run after the tick is committed; an
// observer error is returned but the tick stands.
func (s *Simulation) Step(ctx context.Context) (*TickResult, error) {
	s.tick++
	s.windowID = s.tick / s.cfg.WindowSize

	emitted := make([]*EmittedRecord, 0, len(s.nodes))
	for _, n := range s.nodes {
		rec, err := n.Step(s.tick, s.windowID, s.localEnvironment())
		if err != nil {
			return nil, fmt.Errorf("sim: tick %d: %w", s.tick, err)
		}
		emitted = append(emitted, &EmittedRecord{NodeID: n.ID(), Record: rec})
	}

	for _, src := range s.nodeIDs {
		for _, dst := range s.nodeIDs {
			if src == dst {
				continue
			}
			if err := s.transport.GossipStep(s.tick, src, dst); err != nil {
				return nil, fmt.Errorf("sim: tick %d: %w", s.tick, err)
			}
		}
	}
	delivered, err := s.transport.DeliverInflight(s.tick)
	if err != nil {
		return nil, fmt.Errorf("sim: tick %d: %w", s.tick, err)
	}

	view, err := s.engine.View(s.windowID, s.tick, *s.cfg.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("sim: tick %d: %w", s.tick, err)
	}
	s.lastView = view

	rec, err := s.supervisor.Evaluate(s.tick, view, s.rules)
	if err != nil {
		return nil, fmt.Errorf("sim: tick %d: %w", s.tick, err)
	}
	s.lastRecommendation = &rec

	viewHash, err := view.Hash()
	if err != nil {
		return nil, fmt.Errorf("sim: tick %d: hash view: %w", s.tick, err)
	}
	total := s.store.Len()
	if _, err := s.log.Append(eventlog.TypeTickComplete, map[string]any{
		"tick":              s.tick,
		"window":            s.windowID,
		"records_emitted":   len(s.nodes),
		"records_delivered": delivered,
		"total_records":     total,
		"view_hash":         viewHash,
	}, s.tick); err != nil {
		return nil, fmt.Errorf("sim: tick %d: %w", s.tick, err)
	}

	res := &TickResult{
		RunID:            s.runID,
		Tick:             s.tick,
		Window:           s.windowID,
		View:             view,
		ViewHash:         viewHash,
		Recommendation:   rec,
		Emitted:          emitted,
		RecordsDelivered: delivered,
		TotalRecords:     total,
		Events:           s.log.Events()[s.eventsObserved:],
		Transport:        s.transport.Stats(),
	}
	s.eventsObserved = s.log.Len()
	s.logger.Debug("tick complete", "tick", s.tick, "window", s.windowID, "state", rec.State, "delivered", delivered)

	var obsErr error
	for _, obs := range s.observers {
		if err := obs.ObserveTick(ctx, res); err != nil {
			obsErr = errors.Join(obsErr, err)
		}
	}
	if obsErr != nil {
		return res, fmt.Errorf("sim: tick %d observers: %w", s.tick, obsErr)
	}
	return res, nil
}

// Run executes steps ticks and returns the last result. With steps <= 0
// nothing runs and the result is nil.
func (s *Simulation) Run(ctx context.Context, steps int) (*TickResult, error) {
	var last *TickResult
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		res, err := s.Step(ctx)
		if err != nil {
			return res, err
		}
		last = res
	}
	return last, nil
}

// SetWorldState replaces the simulated world between ticks. The change is
// recorded in the world state history and logged.
func (s *Simulation) SetWorldState(w WorldState) error {
	if err := configValidate.Struct(w); err != nil {
		return fmt.Errorf("%w: world state: %v", ErrInvalidConfig, err)
	}
	s.world = w
	s.worldHistory = append(s.worldHistory, WorldStateChange{Tick: s.tick, State: w})
	if _, err := s.log.Append(eventlog.TypeWorldStateChange, map[string]any{
		"tick":        s.tick,
		"world_state": w.Map(),
	}, s.tick); err != nil {
		return fmt.Errorf("sim: log world state: %w", err)
	}
	return nil
}

// SetRules replaces the supervisor rules between ticks.
func (s *Simulation) SetRules(r supervisor.Rules) error {
	if err := s.supervisor.CheckRules(r); err != nil {
		return err
	}
	h, err := r.Hash()
	if err != nil {
		return fmt.Errorf("sim: hash rules: %w", err)
	}
	s.rules = r
	if _, err := s.log.Append(eventlog.TypeRulesChange, map[string]any{
		"tick":       s.tick,
		"rules_hash": h,
	}, s.tick); err != nil {
		return fmt.Errorf("sim: log rules: %w", err)
	}
	return nil
}

// SetLink replaces one link rule between ticks. Both ends must be
// configured nodes.
func (s *Simulation) SetLink(a, b string, rule transport.LinkRule) error {
	for _, id := range []string{a, b} {
		if !slices.Contains(s.nodeIDs, id) {
			return fmt.Errorf("%w: link %s references unknown node %q", ErrInvalidConfig, LinkName(a, b), id)
		}
	}
	if err := s.transport.SetLink(a, b, rule); err != nil {
		return err
	}
	if _, err := s.log.Append(eventlog.TypeLinkChange, map[string]any{
		"tick": s.tick,
		"a":    a,
		"b":    b,
		"rule": rule.Map(),
	}, s.tick); err != nil {
		return fmt.Errorf("sim: log link: %w", err)
	}
	return nil
}

// ResetAttentionCounter forwards an operator reset to the supervisor.
func (s *Simulation) ResetAttentionCounter() error {
	return s.supervisor.ResetAttentionCounter()
}

// LinkStates returns the rule of every pair i<j keyed "A<->B".
func (s *Simulation) LinkStates() map[string]transport.LinkRule {
	out := make(map[string]transport.LinkRule)
	for i, a := range s.nodeIDs {
		for _, b := range s.nodeIDs[i+1:] {
			out[LinkName(a, b)] = s.transport.Rule(a, b)
		}
	}
	return out
}

// RunID is a UUIDv5 of the seed and configuration hash, stable across replays.
func (s *Simulation) RunID() string { return s.runID }
func (s *Simulation) Seed() int64 { return s.cfg.Seed }
func (s *Simulation) WindowSize() int { return s.cfg.WindowSize }
func (s *Simulation) Tick() int { return s.tick }
func (s *Simulation) WindowID() int { return s.windowID }
func (s *Simulation) Log() *eventlog.Log { return s.log }
func (s *Simulation) Store() *meshstore.Store { return s.store }
func (s *Simulation) Transport() *transport.Transport { return s.transport }
func (s *Simulation) Supervisor() *supervisor.Supervisor { return s.supervisor }
func (s *Simulation) Rules() supervisor.Rules { return s.rules }
func (s *Simulation) WorldState() WorldState { return s.world }
func (s *Simulation) NodeIDs() []string { return append([]string(nil), s.nodeIDs...) }
func (s *Simulation) LastView() *mesh.View { return s.lastView }
func (s *Simulation) LastRecommendation() *supervisor.Recommendation { return s.lastRecommendation }

// NodeDefinitions returns the configured nodes in order.
func (s *Simulation) NodeDefinitions() []node.Definition {
	return append([]node.Definition(nil), s.cfg.Nodes...)
}

// NodeStates returns a snapshot of every node in order.
func (s *Simulation) NodeStates() []node.State {
	out := make([]node.State, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.State()
	}
	return out
}

// WorldStateHistory returns every world change made through SetWorldState.
func (s *Simulation) WorldStateHistory() []WorldStateChange {
	return append([]WorldStateChange(nil), s.worldHistory...)
}
