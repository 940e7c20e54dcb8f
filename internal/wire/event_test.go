package wire

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"boxscore_pipeline/platform/apperr"
	"boxscore_pipeline/platform/validator"
)

func validEvent() ChangeEvent {
	return ChangeEvent{
		ProducingStage: "scrape",
		Scope: Scope{
			Kind:      ScopeEntities,
			Date:      "2026-03-14",
			EntityIDs: []string{"player:201", "player:305"},
		},
		ProducedAt:  time.Date(2026, 3, 14, 23, 5, 0, 0, time.UTC),
		ContentHash: ContentHash([]byte("boxscores 2026-03-14")),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	val := validator.New()
	ev := validEvent()

	payload, err := Encode(ev, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(payload, val)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ProducingStage != ev.ProducingStage {
		t.Errorf("producing_stage = %q, want %q", decoded.ProducingStage, ev.ProducingStage)
	}
	if decoded.Scope.Kind != ScopeEntities || len(decoded.Scope.EntityIDs) != 2 {
		t.Errorf("scope = %+v, want entities scope of size 2", decoded.Scope)
	}
	if decoded.Scope.EntityIDs[0] != "player:201" {
		t.Errorf("entity order not preserved: %v", decoded.Scope.EntityIDs)
	}
}

func TestEncodeDegradesOversizedEntityListToAll(t *testing.T) {
	ev := validEvent()
	ev.Scope.EntityIDs = nil
	for i := 0; i < 500; i++ {
		ev.Scope.EntityIDs = append(ev.Scope.EntityIDs, strings.Repeat("p", 32))
	}

	payload, err := Encode(ev, 1024)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(payload) > 1024 {
		t.Fatalf("degraded payload is %d bytes, want <= 1024", len(payload))
	}

	var decoded ChangeEvent
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal degraded payload: %v", err)
	}
	if decoded.Scope.Kind != ScopeAll {
		t.Errorf("scope kind = %q, want %q", decoded.Scope.Kind, ScopeAll)
	}
	if len(decoded.Scope.EntityIDs) != 0 {
		t.Errorf("degraded scope still carries %d entity ids", len(decoded.Scope.EntityIDs))
	}
}

func TestEncodeKeepsEntityListUnderLimit(t *testing.T) {
	ev := validEvent()
	payload, err := Encode(ev, 4096)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded ChangeEvent
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Scope.Kind != ScopeEntities {
		t.Errorf("scope kind = %q, want %q", decoded.Scope.Kind, ScopeEntities)
	}
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	val := validator.New()
	_, err := Decode([]byte("{not json"), val)
	if !apperr.Is(err, apperr.KindMalformed) {
		t.Fatalf("err = %v, want malformed kind", err)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	val := validator.New()
	_, err := Decode([]byte(`{"scope":{"kind":"date","date":"2026-03-14"}}`), val)
	if !apperr.Is(err, apperr.KindMalformed) {
		t.Fatalf("err = %v, want malformed kind", err)
	}
}

func TestDecodeNormalizesEmptyEntityListToAll(t *testing.T) {
	val := validator.New()
	ev := validEvent()
	ev.Scope.EntityIDs = nil
	ev.Scope.Kind = ScopeEntities

	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := Decode(payload, val)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Scope.Kind != ScopeAll {
		t.Errorf("scope kind = %q, want %q", decoded.Scope.Kind, ScopeAll)
	}
}

func TestScopeKeys(t *testing.T) {
	entityScope := Scope{Kind: ScopeEntities, EntityIDs: []string{"a", "b"}}
	if keys := entityScope.Keys(); len(keys) != 2 || keys[0] != "a" {
		t.Errorf("entity scope keys = %v", keys)
	}

	dateScope := Scope{Kind: ScopeDate, Date: "2026-03-14"}
	if keys := dateScope.Keys(); len(keys) != 1 || keys[0] != "2026-03-14" {
		t.Errorf("date scope keys = %v", keys)
	}

	allScope := Scope{Kind: ScopeAll, Date: "2026-03-14"}
	if keys := allScope.Keys(); len(keys) != 1 || keys[0] != "2026-03-14" {
		t.Errorf("all scope keys = %v", keys)
	}
}
