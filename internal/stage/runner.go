package stage

import (
	"context"
	"encoding/json"
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

// UsageTracker is the dependency-tracker surface the runner needs.
type UsageTracker interface {
	RecordUsage(ctx context.Context, stage, source, scopeKey string, observedAt time.Time, rowsFound, expectedRows int64) error
	IsReady(ctx context.Context, stage string, required []tracker.RequiredSource, scope wire.Scope) (bool, error)
}

// Roster answers which entities are active on a pipeline date.
type Roster interface {
	ActiveEntities(ctx context.Context, date string) ([]string, error)
}

// ExecutionLog is the append-only invocation record the runner writes to.
type ExecutionLog interface {
	Append(ctx context.Context, e execlog.Entry) (uuid.UUID, error)
	SeenContentHash(ctx context.Context, stage, contentHash string) (bool, error)
}

// Timers is the fallback-timer registry surface the runner needs.
type Timers interface {
	Arm(ctx context.Context, stage, scopeKey string, deadline time.Time) error
	Disarm(ctx context.Context, stage, scopeKey string) error
}

// Runner handles bus deliveries for one stage. Redelivery of the same
// message converges: usage writes are last-write-wins, timer operations are
// idempotent, and a delivery whose content hash was already processed
// successfully is skipped.
type Runner struct {
	desc     Descriptor
	topo     *Topology
	prefix   string
	maxBytes int

	tracker  UsageTracker
	roster   Roster
	detector *changedetect.Detector
	logbook  ExecutionLog
	timers   Timers
	exec     Executor
	pub      events.Publisher

	val *validator.Validator
	log *logger.Logger
	now func() time.Time
}

func NewRunner(
	desc Descriptor,
	topo *Topology,
	prefix string,
	maxMessageBytes int,
	track UsageTracker,
	roster Roster,
	detector *changedetect.Detector,
	logbook ExecutionLog,
	timers Timers,
	exec Executor,
	pub events.Publisher,
	val *validator.Validator,
	log *logger.Logger,
) *Runner {
	return &Runner{
		desc:     desc,
		topo:     topo,
		prefix:   prefix,
		maxBytes: maxMessageBytes,
		tracker:  track,
		roster:   roster,
		detector: detector,
		logbook:  logbook,
		timers:   timers,
		exec:     exec,
		pub:      pub,
		val:      val,
		log:      log.WithStage(desc.Name),
		now:      time.Now,
	}
}

// Handler returns the bus handler for this stage's subscriptions (upstream
// completion topics and the stage's own fallback topic).
func (r *Runner) Handler() events.Handler {
	return events.HandlerFunc(r.handle)
}

func (r *Runner) handle(ctx context.Context, d events.Delivery) error {
	started := r.now()

	ev, err := wire.Decode(d.Payload, r.val)
	if err != nil {
		// Malformed: the bus routes this straight to the dead-letter
		// channel, no retries.
		return err
	}

	trigger := execlog.TriggerCompletion
	if d.Topic == r.desc.FallbackTopic(r.prefix) {
		trigger = execlog.TriggerFallback
	}
	r.log.StageInvocation(r.desc.Name, string(trigger), string(ev.Scope.Kind), ev.Scope.Size())

	// A qualifying event arrived, so the pending cycle it covers is no
	// longer at risk of starving. Disarm before anything can fail.
	for _, key := range ev.Scope.Keys() {
		if err := r.timers.Disarm(ctx, r.desc.Name, key); err != nil {
			r.log.DatabaseError("disarm_timer", err)
			return apperr.StoreUnavailable("disarm fallback timer", err)
		}
	}

	seen, err := r.logbook.SeenContentHash(ctx, r.desc.Name, ev.ContentHash)
	if err != nil {
		r.log.DatabaseError("seen_content_hash", err)
		return apperr.StoreUnavailable("content hash lookup", err)
	}
	if seen {
		r.record(ctx, trigger, ev.Scope, 0, started, execlog.OutcomeSkipped, "", ev.ContentHash)
		r.log.Debug("duplicate content hash, skipping", "content_hash", ev.ContentHash)
		return nil
	}

	var roster []string
	if ev.Scope.Date != "" {
		roster, err = r.roster.ActiveEntities(ctx, ev.Scope.Date)
		if err != nil {
			r.log.DatabaseError("active_entities", err)
			return apperr.StoreUnavailable("roster lookup", err)
		}
	}

	// The event's scope is a hint; detection re-derives what this stage
	// actually needs to re-evaluate.
	set := r.detector.Detect(ev, roster).FilterKind(r.desc.EntityKind)
	if !set.All && set.Size() == 0 {
		r.record(ctx, trigger, ev.Scope, len(roster), started, execlog.OutcomeSkipped, "", ev.ContentHash)
		r.log.Debug("no affected entities of this stage's kind")
		return nil
	}

	execScope := r.resolveScope(ev, set)

	// A date-less full-scope run has no scope keys usage rows are ever
	// recorded under; gating it on the "all" sentinel key would starve the
	// forced run forever. Every other scope checks its real keys.
	ready := true
	if execScope.Kind != wire.ScopeAll || execScope.Date != "" {
		ready, err = r.tracker.IsReady(ctx, r.desc.Name, r.desc.RequiredSources, execScope)
		if err != nil {
			return err
		}
	}
	if !ready {
		// Recoverable: the bus redelivers after a backoff. Never a hard
		// failure.
		r.record(ctx, trigger, execScope, len(roster), started, execlog.OutcomeFailure, apperr.KindName(apperr.KindNotReady), ev.ContentHash)
		return tracker.NotReadyError(r.desc.Name, execScope)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.desc.HandlerTimeout.Std())
	result, err := r.exec.Execute(execCtx, Request{
		Stage:     r.desc.Name,
		Date:      execScope.Date,
		EntityIDs: execScope.EntityIDs,
		FullScope: execScope.Kind != wire.ScopeEntities,
	})
	cancel()
	if err != nil {
		kind := apperr.GetKind(err)
		if kind == apperr.KindUnknown {
			kind = apperr.KindInternal
		}
		r.record(ctx, trigger, execScope, len(roster), started, execlog.OutcomeFailure, apperr.KindName(kind), ev.ContentHash)
		r.log.StageOutcome(r.desc.Name, false, r.now().Sub(started), apperr.KindName(kind))
		return err
	}

	for _, usage := range result.Usages {
		if err := r.tracker.RecordUsage(ctx, r.desc.Name, usage.Source, usage.ScopeKey, usage.ObservedAt, usage.RowsFound, usage.ExpectedRows); err != nil {
			return err
		}
	}

	if err := r.publishCompletion(ctx, execScope, result); err != nil {
		return err
	}
	if err := r.armDownstream(ctx, execScope); err != nil {
		return err
	}

	// The success record is written last: if anything above fails, the
	// redelivered message re-runs the whole idempotent sequence instead of
	// being deduplicated away with the completion unpublished.
	r.record(ctx, trigger, execScope, len(roster), started, execlog.OutcomeSuccess, "", ev.ContentHash)
	r.log.StageOutcome(r.desc.Name, true, r.now().Sub(started), "")
	return nil
}

// resolveScope maps a change set onto the scope the executor runs with.
func (r *Runner) resolveScope(ev wire.ChangeEvent, set changedetect.EntityChangeSet) wire.Scope {
	if set.All {
		if ev.Scope.Date != "" {
			return wire.Scope{Kind: wire.ScopeDate, Date: ev.Scope.Date}
		}
		return wire.Scope{Kind: wire.ScopeAll}
	}
	return wire.Scope{Kind: wire.ScopeEntities, Date: ev.Scope.Date, EntityIDs: set.Entities()}
}

func (r *Runner) publishCompletion(ctx context.Context, scope wire.Scope, result Result) error {
	hash := result.ContentHash
	if hash == "" {
		raw, err := json.Marshal(result)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "hash executor result", err)
		}
		hash = wire.ContentHash(raw)
	}

	out := wire.ChangeEvent{
		ProducingStage: r.desc.Name,
		Scope:          scope,
		ProducedAt:     r.now().UTC(),
		ContentHash:    hash,
	}
	payload, err := wire.Encode(out, r.maxBytes)
	if err != nil {
		return err
	}

	topic := r.desc.CompletionTopic(r.prefix)
	if err := r.pub.Publish(ctx, topic, payload); err != nil {
		r.log.BusDelivery(topic, 0, 0, err)
		return apperr.Wrap(apperr.KindInternal, "publish completion", err)
	}
	return nil
}

// armDownstream registers fallback deadlines for every consumer of this
// stage's completion, so a lost event cannot starve them.
func (r *Runner) armDownstream(ctx context.Context, scope wire.Scope) error {
	keys := scope.Keys()
	for _, downstream := range r.topo.Downstream(r.desc.Name) {
		deadline := r.now().Add(downstream.FallbackDeadline.Std())
		for _, key := range keys {
			if err := r.timers.Arm(ctx, downstream.Name, key, deadline); err != nil {
				r.log.DatabaseError("arm_timer", err)
				return apperr.StoreUnavailable("arm fallback timer", err)
			}
		}
	}
	return nil
}

// record appends an execution-log entry, best effort. The log is an
// observability record; a failed append never fails the invocation itself.
func (r *Runner) record(ctx context.Context, trigger execlog.TriggerKind, scope wire.Scope, population int, started time.Time, outcome execlog.Outcome, errKind, contentHash string) {
	_, err := r.logbook.Append(ctx, execlog.Entry{
		ID:             uuid.New(),
		Stage:          r.desc.Name,
		Trigger:        trigger,
		ScopeKind:      string(scope.Kind),
		ScopeSize:      scope.Size(),
		PopulationSize: population,
		Duration:       r.now().Sub(started),
		Outcome:        outcome,
		ErrorKind:      errKind,
		ContentHash:    contentHash,
		StartedAt:      started,
	})
	if err != nil {
		r.log.DatabaseError("append_execution_log", err)
	}
}
