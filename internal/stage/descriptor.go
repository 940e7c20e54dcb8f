// Package stage binds the pipeline topology to running code: descriptors
// loaded from YAML, the executor boundary to the stage's compute service,
// and the runner that handles bus deliveries for one stage.
package stage

import (
	"fmt"
	"os"
	"time"

	"boxscore_pipeline/internal/tracker"
	"boxscore_pipeline/internal/wire"
	"boxscore_pipeline/platform/apperr"
	"boxscore_pipeline/platform/validator"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// like "30m" or "2h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ExecutorConfig points a stage at its compute service.
type ExecutorConfig struct {
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

// Descriptor is one stage's static configuration.
type Descriptor struct {
	Name            string `yaml:"name" validate:"required"`
	Phase           int    `yaml:"phase" validate:"required,gte=1"`
	Content         string `yaml:"content" validate:"required"`
	DestinationType string `yaml:"destination_type" validate:"required"`
	// EntityKind narrows change sets to this stage's entity kind (the
	// prefix before the colon in an entity id). Empty means no narrowing.
	EntityKind      string                   `yaml:"entity_kind"`
	Upstreams       []string                 `yaml:"upstreams"`
	RequiredSources []tracker.RequiredSource `yaml:"required_sources" validate:"dive"`
	// FallbackDeadline is how long a downstream scope may stay pending
	// before this stage's fallback timer fires.
	FallbackDeadline Duration       `yaml:"fallback_deadline"`
	HandlerTimeout   Duration       `yaml:"handler_timeout"`
	Executor         ExecutorConfig `yaml:"executor"`
}

const (
	defaultFallbackDeadline = 2 * time.Hour
	defaultHandlerTimeout   = 5 * time.Minute
)

// CompletionTopic returns the topic this stage publishes completions on.
func (d Descriptor) CompletionTopic(prefix string) string {
	return wire.CompletionTopic(prefix, d.Phase, d.Content)
}

// FallbackTopic returns the topic this stage's synthetic fallback events
// arrive on.
func (d Descriptor) FallbackTopic(prefix string) string {
	return wire.FallbackTopic(prefix, d.Phase)
}

// Subscription returns this stage's subscription name for an upstream's
// completion topic.
func (d Descriptor) Subscription(prefix string, upstreamPhase int) string {
	return wire.MainSubscription(prefix, upstreamPhase, d.DestinationType)
}

// Topology is the full stage graph loaded from stages.yaml.
type Topology struct {
	Stages []Descriptor `yaml:"stages" validate:"required,min=1,dive"`

	byName map[string]int
}

// LoadTopology reads and validates the stage topology. Upstream references
// must resolve, names must be unique, and missing durations get defaults.
func LoadTopology(path string, val *validator.Validator) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}

	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse topology", err)
	}
	if err := topo.Init(val); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Init validates a topology and builds its lookup index. LoadTopology calls
// it; callers constructing a Topology in code must call it themselves.
func (t *Topology) Init(val *validator.Validator) error {
	if err := val.Struct(t); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid topology", err)
	}

	t.byName = make(map[string]int, len(t.Stages))
	for i := range t.Stages {
		d := &t.Stages[i]
		if _, dup := t.byName[d.Name]; dup {
			return apperr.Validation(fmt.Sprintf("duplicate stage %q", d.Name))
		}
		t.byName[d.Name] = i

		if d.FallbackDeadline <= 0 {
			d.FallbackDeadline = Duration(defaultFallbackDeadline)
		}
		if d.HandlerTimeout <= 0 {
			d.HandlerTimeout = Duration(defaultHandlerTimeout)
		}
	}

	for _, d := range t.Stages {
		for _, up := range d.Upstreams {
			if _, ok := t.byName[up]; !ok {
				return apperr.Validation(fmt.Sprintf("stage %q references unknown upstream %q", d.Name, up))
			}
		}
	}

	return nil
}

// Stage looks a descriptor up by name.
func (t *Topology) Stage(name string) (Descriptor, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return t.Stages[i], true
}

// Downstream returns the stages that consume a stage's completion events.
func (t *Topology) Downstream(name string) []Descriptor {
	out := make([]Descriptor, 0)
	for _, d := range t.Stages {
		for _, up := range d.Upstreams {
			if up == name {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// UpstreamTopics returns the completion topics a stage subscribes to.
func (t *Topology) UpstreamTopics(name, prefix string) ([]string, error) {
	d, ok := t.Stage(name)
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("stage %q not in topology", name))
	}
	topics := make([]string, 0, len(d.Upstreams))
	for _, up := range d.Upstreams {
		upstream, _ := t.Stage(up)
		topics = append(topics, upstream.CompletionTopic(prefix))
	}
	return topics, nil
}
