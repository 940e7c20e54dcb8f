// Package wire defines the ChangeEvent wire schema and the topic naming
// contract shared by every stage of the pipeline.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"boxscore_pipeline/platform/apperr"
	"boxscore_pipeline/platform/validator"
)

// ScopeKind enumerates the units of work a stage invocation can cover.
type ScopeKind string

const (
	// ScopeDate scopes an event to every entity active on a date.
	ScopeDate ScopeKind = "date"
	// ScopeEntities scopes an event to an explicit entity list.
	ScopeEntities ScopeKind = "entities"
	// ScopeAll is the sentinel forcing full-scope processing.
	ScopeAll ScopeKind = "all"
)

// Scope identifies the unit of work an event covers.
type Scope struct {
	Kind ScopeKind `json:"kind" validate:"required,oneof=date entities all"`
	// Date is the pipeline date the event covers, formatted 2006-01-02.
	Date string `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	// EntityIDs is present only when Kind is "entities". Order is preserved.
	EntityIDs []string `json:"entity_ids,omitempty"`
}

// ChangeEvent is emitted when a stage completes. Immutable once published.
type ChangeEvent struct {
	ProducingStage string    `json:"producing_stage" validate:"required"`
	Scope          Scope     `json:"scope"`
	ProducedAt     time.Time `json:"produced_at" validate:"required"`
	// ContentHash fingerprints the stage's output so unchanged-output
	// re-runs can be told apart from genuinely new data.
	ContentHash string `json:"content_hash" validate:"required"`
}

// Normalize rewrites degenerate scopes in place. An "entities" scope with an
// empty list is indistinguishable from a malformed message, so it falls back
// to the all sentinel rather than silently scoping to nothing.
func (s *Scope) Normalize() {
	if s.Kind == ScopeEntities && len(s.EntityIDs) == 0 {
		s.Kind = ScopeAll
		s.EntityIDs = nil
	}
}

// Keys returns the dependency-store scope keys implied by the scope:
// entity ids for an entity scope, the date otherwise.
func (s Scope) Keys() []string {
	switch s.Kind {
	case ScopeEntities:
		return append([]string(nil), s.EntityIDs...)
	default:
		if s.Date != "" {
			return []string{s.Date}
		}
		return []string{string(ScopeAll)}
	}
}

// Size returns the number of entities the scope names, 0 for non-entity scopes.
func (s Scope) Size() int {
	if s.Kind == ScopeEntities {
		return len(s.EntityIDs)
	}
	return 0
}

// Encode serializes an event, degrading gracefully when the entity list
// would exceed the bus's per-message size limit: the event is re-published
// with the all sentinel instead of failing.
func Encode(ev ChangeEvent, maxBytes int) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encode change event", err)
	}

	if maxBytes > 0 && len(payload) > maxBytes && ev.Scope.Kind == ScopeEntities {
		ev.Scope.Kind = ScopeAll
		ev.Scope.EntityIDs = nil
		payload, err = json.Marshal(ev)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "encode degraded change event", err)
		}
	}

	return payload, nil
}

// Decode deserializes and validates an event. Schema failures are reported
// as malformed: the bus routes them straight to the dead-letter channel,
// since retrying will not fix malformed content.
func Decode(payload []byte, val *validator.Validator) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ChangeEvent{}, apperr.Malformed("change event is not valid JSON", err)
	}
	if err := val.Struct(&ev); err != nil {
		return ChangeEvent{}, apperr.Malformed("change event failed schema validation", err)
	}
	ev.Scope.Normalize()
	return ev, nil
}

// ContentHash fingerprints an output manifest.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
