package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/eventlog"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/mesh"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/node"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/sim"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/supervisor"
)

// ErrInvalidScenario wraps every scenario parse or validation failure.
var ErrInvalidScenario = errors.New("config: invalid scenario")

var validate = validator.New()

// Scenario is a reproducible run description.
//
//	seed: 1337
//	steps: 20
//	world_state: {target_present: true, target_bearing_deg: 90}
//	schedule:
//	  - at_tick: 10
//	    world_state: {target_present: false}
type Scenario struct {
	Seed       *int64            `yaml:"seed"`
	Steps      int               `yaml:"steps" validate:"gte=0"`
	WindowSize int               `yaml:"window_size" validate:"gte=0"`
	GraceTicks int               `yaml:"grace_ticks" validate:"gte=0"`
	Nodes      []node.Definition `yaml:"nodes" validate:"dive"`
	Rules      *supervisor.Rules `yaml:"rules"`
	Links      []sim.LinkSpec    `yaml:"links" validate:"dive"`
	World      *sim.WorldState   `yaml:"world_state"`
	Thresholds *mesh.Thresholds  `yaml:"thresholds"`
	Clock      *ClockSpec        `yaml:"clock"`
	Schedule   []WorldChange     `yaml:"schedule" validate:"dive"`
}

// ClockSpec overrides the simulated clock.
type ClockSpec struct {
	Epoch      time.Time `yaml:"epoch"`
	IntervalMS int       `yaml:"interval_ms" validate:"gte=0"`
}

// WorldChange replaces the world state before tick AtTick runs.
type WorldChange struct {
	AtTick int            `yaml:"at_tick" validate:"gte=1"`
	World  sim.WorldState `yaml:"world_state"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario %q: %w", path, err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes a scenario. Unknown keys are rejected. Rules and
// world state start from their defaults so a scenario only lists what it
// changes.
func ParseScenario(data []byte) (*Scenario, error) {
	sc := &Scenario{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(sc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := sc.overlayDefaults(data); err != nil {
		return nil, err
	}
	if err := validate.Struct(sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := sc.SimConfig().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	sort.SliceStable(sc.Schedule, func(i, j int) bool { return sc.Schedule[i].AtTick < sc.Schedule[j].AtTick })
	return sc, nil
}

// overlayDefaults re-decodes the partial sections on top of their
// defaults. yaml.v3 leaves fields absent from the document untouched.
func (sc *Scenario) overlayDefaults(data []byte) error {
	var overlay struct {
		Rules    *yaml.Node    `yaml:"rules"`
		World    *yaml.Node    `yaml:"world_state"`
		Schedule []struct {
			World *yaml.Node `yaml:"world_state"`
		} `yaml:"schedule"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if overlay.Rules != nil {
		r := supervisor.DefaultRules()
		if err := overlay.Rules.Decode(&r); err != nil {
			return fmt.Errorf("%w: rules: %v", ErrInvalidScenario, err)
		}
		sc.Rules = &r
	}
	if overlay.World != nil {
		w := sim.DefaultWorldState()
		if err := overlay.World.Decode(&w); err != nil {
			return fmt.Errorf("%w: world_state: %v", ErrInvalidScenario, err)
		}
		sc.World = &w
	}
	for i, ch := range overlay.Schedule {
		if i >= len(sc.Schedule) || ch.World == nil {
			continue
		}
		w := sim.DefaultWorldState()
		if err := ch.World.Decode(&w); err != nil {
			return fmt.Errorf("%w: schedule[%d]: %v", ErrInvalidScenario, i, err)
		}
		sc.Schedule[i].World = w
	}
	return nil
}

// SimConfig converts the scenario to a simulation config.
func (sc *Scenario) SimConfig() sim.Config {
	cfg := sim.Config{
		Seed:       sim.DefaultSeed,
		WindowSize: sc.WindowSize,
		Nodes:      sc.Nodes,
		Rules:      sc.Rules,
		Links:      sc.Links,
		World:      sc.World,
		Thresholds: sc.Thresholds,
		GraceTicks: sc.GraceTicks,
	}
	if sc.Seed != nil {
		cfg.Seed = *sc.Seed
	}
	return cfg
}

// SimClock returns the configured clock, or nil for the default.
func (sc *Scenario) SimClock() eventlog.Clock {
	if sc.Clock == nil {
		return nil
	}
	return eventlog.NewSimClock(sc.Clock.Epoch, time.Duration(sc.Clock.IntervalMS)*time.Millisecond)
}

// ChangesAt returns the world changes scheduled for tick.
func (sc *Scenario) ChangesAt(tick int) []sim.WorldState {
	var out []sim.WorldState
	for _, ch := range sc.Schedule {
		if ch.AtTick == tick {
			out = append(out, ch.World)
		}
	}
	return out
}
