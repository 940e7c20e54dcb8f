package stage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"boxscore_pipeline/internal/changedetect"
	"boxscore_pipeline/internal/execlog"
	"boxscore_pipeline/internal/tracker"
	"boxscore_pipeline/internal/wire"
	"boxscore_pipeline/platform/apperr"
	"boxscore_pipeline/platform/events"
	"boxscore_pipeline/platform/logger"
	"boxscore_pipeline/platform/validator"

	"github.com/google/uuid"
)

type usageKey struct {
	stage, source, scopeKey string
}

type fakeTracker struct {
	usages   map[usageKey]int64
	ready    bool
	readyErr error
	// readyKeys, when set, grants readiness only to scopes whose every key
	// is present; mirrors the store's per-key usage records.
	readyKeys map[string]bool
	gotScopes []wire.Scope
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{usages: make(map[usageKey]int64), ready: true}
}

func (f *fakeTracker) RecordUsage(_ context.Context, stage, source, scopeKey string, _ time.Time, rowsFound, _ int64) error {
	f.usages[usageKey{stage, source, scopeKey}] = rowsFound
	return nil
}

func (f *fakeTracker) IsReady(_ context.Context, _ string, _ []tracker.RequiredSource, scope wire.Scope) (bool, error) {
	f.gotScopes = append(f.gotScopes, scope)
	if f.readyErr != nil {
		return false, f.readyErr
	}
	if f.readyKeys != nil {
		for _, key := range scope.Keys() {
			if !f.readyKeys[key] {
				return false, nil
			}
		}
		return true, nil
	}
	return f.ready, nil
}

type fakeRoster struct {
	entities []string
	err      error
}

func (f *fakeRoster) ActiveEntities(_ context.Context, _ string) ([]string, error) {
	return f.entities, f.err
}

type fakeLog struct {
	entries []execlog.Entry
	// successHashes mirrors the repository's success-only dedup index.
	successHashes map[string]bool
}

func newFakeLog() *fakeLog {
	return &fakeLog{successHashes: make(map[string]bool)}
}

func (f *fakeLog) Append(_ context.Context, e execlog.Entry) (uuid.UUID, error) {
	f.entries = append(f.entries, e)
	if e.Outcome == execlog.OutcomeSuccess && e.ContentHash != "" {
		f.successHashes[e.Stage+"\x00"+e.ContentHash] = true
	}
	return e.ID, nil
}

func (f *fakeLog) SeenContentHash(_ context.Context, stage, contentHash string) (bool, error) {
	return f.successHashes[stage+"\x00"+contentHash], nil
}

func (f *fakeLog) last() execlog.Entry {
	return f.entries[len(f.entries)-1]
}

type timerOp struct {
	op       string
	stage    string
	scopeKey string
}

type fakeTimers struct {
	ops []timerOp
}

func (f *fakeTimers) Arm(_ context.Context, stage, scopeKey string, _ time.Time) error {
	f.ops = append(f.ops, timerOp{"arm", stage, scopeKey})
	return nil
}

func (f *fakeTimers) Disarm(_ context.Context, stage, scopeKey string) error {
	f.ops = append(f.ops, timerOp{"disarm", stage, scopeKey})
	return nil
}

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	messages []published
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, published{topic, payload})
	return nil
}

type fixture struct {
	runner  *Runner
	tracker *fakeTracker
	roster  *fakeRoster
	logbook *fakeLog
	timers  *fakeTimers
	pub     *fakePublisher
	execs   []Request
}

func newFixture(t *testing.T, execResult Result, execErr error) *fixture {
	t.Helper()

	topo := &Topology{Stages: []Descriptor{
		{
			Name: "scrape", Phase: 1, Content: "boxscores", DestinationType: "scraper",
			FallbackDeadline: Duration(time.Hour), HandlerTimeout: Duration(time.Minute),
		},
		{
			Name: "stats", Phase: 2, Content: "player-stats", DestinationType: "stats",
			EntityKind: "player", Upstreams: []string{"scrape"},
			RequiredSources:  []tracker.RequiredSource{{Name: "boxscores", MinCompleteness: 95}},
			FallbackDeadline: Duration(time.Hour), HandlerTimeout: Duration(time.Minute),
		},
		{
			Name: "render", Phase: 3, Content: "team-pages", DestinationType: "renderer",
			EntityKind: "team", Upstreams: []string{"stats"},
			FallbackDeadline: Duration(2 * time.Hour), HandlerTimeout: Duration(time.Minute),
		},
	}}
	if err := topo.Init(validator.New()); err != nil {
		t.Fatalf("topology: %v", err)
	}

	graph := changedetect.NewGraph([]changedetect.Edge{
		{Entity: "team:NYK", DependsOn: []string{"player:201", "player:202"}},
		{Entity: "player:202", DependsOn: []string{"player:201"}},
	})
	detector := changedetect.NewDetector(graph, changedetect.Limits{MaxEntities: 64, MaxRosterFraction: 0.9, MaxHops: 3})

	fx := &fixture{
		tracker: newFakeTracker(),
		roster:  &fakeRoster{entities: []string{"player:201", "player:202", "player:203", "team:NYK", "team:BOS"}},
		logbook: newFakeLog(),
		timers:  &fakeTimers{},
		pub:     &fakePublisher{},
	}

	exec := ExecutorFunc(func(_ context.Context, req Request) (Result, error) {
		fx.execs = append(fx.execs, req)
		return execResult, execErr
	})

	desc, _ := topo.Stage("stats")
	fx.runner = NewRunner(desc, topo, "boxscore", 1<<18,
		fx.tracker, fx.roster, detector, fx.logbook, fx.timers, exec,
		fx.pub, validator.New(), logger.New("development"))
	return fx
}

func delivery(t *testing.T, topic string, ev wire.ChangeEvent) events.Delivery {
	t.Helper()
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return events.Delivery{Topic: topic, Payload: payload}
}

func upstreamEvent(hash string) wire.ChangeEvent {
	return wire.ChangeEvent{
		ProducingStage: "scrape",
		Scope:          wire.Scope{Kind: wire.ScopeEntities, Date: "2026-03-14", EntityIDs: []string{"player:201"}},
		ProducedAt:     time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC),
		ContentHash:    hash,
	}
}

func TestRunnerHappyPath(t *testing.T) {
	result := Result{
		Usages: []SourceUsage{
			{Source: "boxscores", ScopeKey: "player:201", RowsFound: 12, ExpectedRows: 12, ObservedAt: time.Now()},
		},
		ContentHash: "out-hash-1",
	}
	fx := newFixture(t, result, nil)

	d := delivery(t, "boxscore-phase1-boxscores-complete", upstreamEvent("in-hash-1"))
	if err := fx.runner.Handler().Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// The executor sees the detected closure, not the raw event scope:
	// player:201 directly plus player:202 transitively (team:NYK is
	// filtered out by the stage's entity kind).
	if len(fx.execs) != 1 {
		t.Fatalf("executor ran %d times, want 1", len(fx.execs))
	}
	req := fx.execs[0]
	if req.FullScope {
		t.Error("a small closure must not escalate to full scope")
	}
	want := []string{"player:201", "player:202"}
	if len(req.EntityIDs) != len(want) {
		t.Fatalf("entity ids = %v, want %v", req.EntityIDs, want)
	}
	for i := range want {
		if req.EntityIDs[i] != want[i] {
			t.Fatalf("entity ids = %v, want %v", req.EntityIDs, want)
		}
	}

	if got := fx.tracker.usages[usageKey{"stats", "boxscores", "player:201"}]; got != 12 {
		t.Errorf("usage rows = %d, want 12", got)
	}

	if len(fx.pub.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(fx.pub.messages))
	}
	if fx.pub.messages[0].topic != "boxscore-phase2-player-stats-complete" {
		t.Errorf("published to %q", fx.pub.messages[0].topic)
	}
	var out wire.ChangeEvent
	if err := json.Unmarshal(fx.pub.messages[0].payload, &out); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if out.ProducingStage != "stats" || out.ContentHash != "out-hash-1" {
		t.Errorf("completion = %+v", out)
	}

	// Own timers disarmed for the event's keys, downstream (render) armed
	// for the execution scope's keys.
	var disarms, arms []timerOp
	for _, op := range fx.timers.ops {
		if op.op == "disarm" {
			disarms = append(disarms, op)
		} else {
			arms = append(arms, op)
		}
	}
	if len(disarms) != 1 || disarms[0].stage != "stats" || disarms[0].scopeKey != "player:201" {
		t.Errorf("disarms = %v", disarms)
	}
	if len(arms) != 2 {
		t.Fatalf("arms = %v, want render armed per entity key", arms)
	}
	for _, op := range arms {
		if op.stage != "render" {
			t.Errorf("armed %q, want render", op.stage)
		}
	}

	entry := fx.logbook.last()
	if entry.Outcome != execlog.OutcomeSuccess {
		t.Errorf("outcome = %q", entry.Outcome)
	}
	if entry.ContentHash != "in-hash-1" {
		t.Errorf("log content hash = %q, want the triggering event's hash", entry.ContentHash)
	}
	if entry.Trigger != execlog.TriggerCompletion {
		t.Errorf("trigger = %q", entry.Trigger)
	}
	if entry.ScopeSize != 2 || entry.PopulationSize != 5 {
		t.Errorf("scope/population = %d/%d, want 2/5", entry.ScopeSize, entry.PopulationSize)
	}
}

func TestRunnerRedeliveryIsDeduplicated(t *testing.T) {
	fx := newFixture(t, Result{ContentHash: "out"}, nil)
	d := delivery(t, "boxscore-phase1-boxscores-complete", upstreamEvent("dup-hash"))

	if err := fx.runner.Handler().Handle(context.Background(), d); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := fx.runner.Handler().Handle(context.Background(), d); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if len(fx.execs) != 1 {
		t.Fatalf("executor ran %d times, want 1", len(fx.execs))
	}
	if len(fx.pub.messages) != 1 {
		t.Fatalf("published %d completions, want 1", len(fx.pub.messages))
	}
	if fx.logbook.last().Outcome != execlog.OutcomeSkipped {
		t.Errorf("second delivery outcome = %q, want skipped", fx.logbook.last().Outcome)
	}
}

func TestRunnerNotReadyIsRecoverable(t *testing.T) {
	fx := newFixture(t, Result{}, nil)
	fx.tracker.ready = false

	d := delivery(t, "boxscore-phase1-boxscores-complete", upstreamEvent("h"))
	err := fx.runner.Handler().Handle(context.Background(), d)
	if !apperr.Is(err, apperr.KindNotReady) {
		t.Fatalf("err = %v, want not-ready kind", err)
	}
	if len(fx.execs) != 0 {
		t.Fatal("executor must not run while a required source is below threshold")
	}
	if len(fx.pub.messages) != 0 {
		t.Fatal("no completion may be published for a not-ready scope")
	}
	if fx.logbook.last().ErrorKind != "not_ready" {
		t.Errorf("error kind = %q", fx.logbook.last().ErrorKind)
	}
}

func TestRunnerMalformedPayload(t *testing.T) {
	fx := newFixture(t, Result{}, nil)

	d := events.Delivery{Topic: "boxscore-phase1-boxscores-complete", Payload: []byte("{not json")}
	err := fx.runner.Handler().Handle(context.Background(), d)
	if !apperr.Is(err, apperr.KindMalformed) {
		t.Fatalf("err = %v, want malformed kind", err)
	}
	if len(fx.execs) != 0 || len(fx.timers.ops) != 0 {
		t.Fatal("a malformed event must have no side effects")
	}
}

func TestRunnerFallbackTriggerForcesFullScope(t *testing.T) {
	fx := newFixture(t, Result{ContentHash: "out"}, nil)

	ev := wire.ChangeEvent{
		ProducingStage: "fallback-trigger",
		Scope:          wire.Scope{Kind: wire.ScopeAll, Date: "2026-03-14"},
		ProducedAt:     time.Now().UTC(),
		ContentHash:    "fallback-hash",
	}
	d := delivery(t, "boxscore-phase2-fallback-trigger", ev)
	if err := fx.runner.Handler().Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(fx.execs) != 1 || !fx.execs[0].FullScope {
		t.Fatalf("execs = %+v, want one full-scope run", fx.execs)
	}
	if fx.execs[0].Date != "2026-03-14" {
		t.Errorf("date = %q", fx.execs[0].Date)
	}
	if fx.logbook.last().Trigger != execlog.TriggerFallback {
		t.Errorf("trigger = %q, want fallback_timer", fx.logbook.last().Trigger)
	}
}

func TestRunnerFallbackForEntityTimerPassesReadiness(t *testing.T) {
	// An expired entity-keyed timer fires an entity-scoped event. Readiness
	// must be checked against the entity keys usage rows are recorded under;
	// a run whose sources are complete may not starve as not-ready.
	result := Result{ContentHash: "out"}
	fx := newFixture(t, result, nil)
	fx.tracker.readyKeys = map[string]bool{"player:201": true, "player:202": true}

	ev := wire.ChangeEvent{
		ProducingStage: "fallback-trigger",
		Scope:          wire.Scope{Kind: wire.ScopeEntities, EntityIDs: []string{"player:201"}},
		ProducedAt:     time.Now().UTC(),
		ContentHash:    "entity-timer-hash",
	}
	d := delivery(t, "boxscore-phase2-fallback-trigger", ev)
	if err := fx.runner.Handler().Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(fx.execs) != 1 {
		t.Fatalf("executor ran %d times, want 1", len(fx.execs))
	}
	if fx.execs[0].FullScope {
		t.Error("an entity-keyed forced run must keep its entity scope")
	}
	want := []string{"player:201", "player:202"}
	if len(fx.execs[0].EntityIDs) != len(want) {
		t.Fatalf("entity ids = %v, want %v", fx.execs[0].EntityIDs, want)
	}

	if len(fx.tracker.gotScopes) != 1 {
		t.Fatalf("readiness checked %d times, want 1", len(fx.tracker.gotScopes))
	}
	for _, key := range fx.tracker.gotScopes[0].Keys() {
		if !fx.tracker.readyKeys[key] {
			t.Fatalf("readiness consulted key %q with no usage record behind it", key)
		}
	}
	if fx.logbook.last().Trigger != execlog.TriggerFallback {
		t.Errorf("trigger = %q, want fallback_timer", fx.logbook.last().Trigger)
	}
}

func TestRunnerDatelessFullScopeSkipsReadinessGate(t *testing.T) {
	// A date-less full-scope run has no scope keys any usage row is recorded
	// under, so there is nothing meaningful to gate on. Gating it would block
	// the forced run forever.
	fx := newFixture(t, Result{ContentHash: "out"}, nil)
	fx.tracker.readyKeys = map[string]bool{}

	ev := wire.ChangeEvent{
		ProducingStage: "fallback-trigger",
		Scope:          wire.Scope{Kind: wire.ScopeAll},
		ProducedAt:     time.Now().UTC(),
		ContentHash:    "all-timer-hash",
	}
	d := delivery(t, "boxscore-phase2-fallback-trigger", ev)
	if err := fx.runner.Handler().Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(fx.execs) != 1 || !fx.execs[0].FullScope {
		t.Fatalf("execs = %+v, want one full-scope run", fx.execs)
	}
	if len(fx.tracker.gotScopes) != 0 {
		t.Errorf("readiness consulted %d times, want the gate bypassed", len(fx.tracker.gotScopes))
	}
}

func TestRunnerExecutorFailureIsRetried(t *testing.T) {
	fx := newFixture(t, Result{}, errors.New("compute service down"))

	d := delivery(t, "boxscore-phase1-boxscores-complete", upstreamEvent("h"))
	if err := fx.runner.Handler().Handle(context.Background(), d); err == nil {
		t.Fatal("executor failure must propagate for redelivery")
	}
	if len(fx.pub.messages) != 0 {
		t.Fatal("no completion may be published for a failed run")
	}
	entry := fx.logbook.last()
	if entry.Outcome != execlog.OutcomeFailure || entry.ErrorKind != "internal" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestRunnerPublishFailureDoesNotRecordSuccess(t *testing.T) {
	fx := newFixture(t, Result{ContentHash: "out"}, nil)
	fx.pub.err = errors.New("bus down")

	d := delivery(t, "boxscore-phase1-boxscores-complete", upstreamEvent("pub-fail-hash"))
	if err := fx.runner.Handler().Handle(context.Background(), d); err == nil {
		t.Fatal("publish failure must propagate for redelivery")
	}

	// Redelivery must re-run, not be deduplicated, or the completion event
	// would be lost for good.
	seen, _ := fx.logbook.SeenContentHash(context.Background(), "stats", "pub-fail-hash")
	if seen {
		t.Fatal("a run whose completion was never published must not count as processed")
	}

	fx.pub.err = nil
	if err := fx.runner.Handler().Handle(context.Background(), d); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(fx.pub.messages) != 1 {
		t.Fatalf("published %d completions, want 1", len(fx.pub.messages))
	}
}

func TestRunnerFiltersToStageEntityKind(t *testing.T) {
	// The render stage only cares about teams: a player change propagates
	// through the graph and arrives as team ids.
	fx := newFixture(t, Result{ContentHash: "out"}, nil)
	topo := fx.runner.topo
	desc, _ := topo.Stage("render")

	graph := changedetect.NewGraph([]changedetect.Edge{
		{Entity: "team:NYK", DependsOn: []string{"player:201", "player:202"}},
	})
	detector := changedetect.NewDetector(graph, changedetect.Limits{MaxEntities: 64, MaxRosterFraction: 0.9, MaxHops: 3})

	renderFx := &fixture{
		tracker: newFakeTracker(),
		roster:  &fakeRoster{entities: []string{"player:201", "player:202", "team:NYK", "team:BOS"}},
		logbook: newFakeLog(),
		timers:  &fakeTimers{},
		pub:     &fakePublisher{},
	}
	exec := ExecutorFunc(func(_ context.Context, req Request) (Result, error) {
		renderFx.execs = append(renderFx.execs, req)
		return Result{ContentHash: "render-out"}, nil
	})
	renderFx.runner = NewRunner(desc, topo, "boxscore", 1<<18,
		renderFx.tracker, renderFx.roster, detector, renderFx.logbook, renderFx.timers, exec,
		renderFx.pub, validator.New(), logger.New("development"))

	ev := wire.ChangeEvent{
		ProducingStage: "stats",
		Scope:          wire.Scope{Kind: wire.ScopeEntities, Date: "2026-03-14", EntityIDs: []string{"player:201"}},
		ProducedAt:     time.Now().UTC(),
		ContentHash:    "stats-hash",
	}
	d := delivery(t, "boxscore-phase2-player-stats-complete", ev)
	if err := renderFx.runner.Handler().Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(renderFx.execs) != 1 {
		t.Fatalf("executor ran %d times, want 1", len(renderFx.execs))
	}
	got := renderFx.execs[0].EntityIDs
	if len(got) != 1 || got[0] != "team:NYK" {
		t.Fatalf("entity ids = %v, want [team:NYK]", got)
	}
}

func TestRunnerSkipsWhenNoEntitiesOfKind(t *testing.T) {
	fx := newFixture(t, Result{}, nil)

	// An upstream change to an unrelated kind with no path into players.
	ev := wire.ChangeEvent{
		ProducingStage: "scrape",
		Scope:          wire.Scope{Kind: wire.ScopeEntities, Date: "2026-03-14", EntityIDs: []string{"venue:MSG"}},
		ProducedAt:     time.Now().UTC(),
		ContentHash:    "venue-hash",
	}
	d := delivery(t, "boxscore-phase1-boxscores-complete", ev)
	if err := fx.runner.Handler().Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(fx.execs) != 0 {
		t.Fatal("no execution expected when the change set is empty after kind filtering")
	}
	if fx.logbook.last().Outcome != execlog.OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped", fx.logbook.last().Outcome)
	}
}
