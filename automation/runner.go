package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/payment"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

// State is the runner's current phase:
//
//	Idle -> Fetching -> Computing -> Scheduling -> Idle
//	any  -> Failed (the run aborted; the next RunOnce starts from Failed)
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateComputing  State = "computing"
	StateScheduling State = "scheduling"
	StateFailed     State = "failed"
)

// Config bounds a run.
type Config struct {
	MaxBatchSize int           // Pending events fetched per run
	MaxDuration  time.Duration // Events not persisted in time stay pending
	Concurrency  int           // Partitions persisted in parallel
	LockTTL      time.Duration // Expiry of a partition lock; never shorter than MaxDuration
}

// lockMargin keeps a partition lock alive past the run deadline, so the lock
// cannot expire while the run that holds it is still committing.
const lockMargin = time.Minute

func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 500,
		MaxDuration:  5 * time.Minute,
		Concurrency:  4,
		LockTTL:      5*time.Minute + lockMargin,
	}
}

// Summary counts what a run did.
type Summary struct {
	RunID              string `json:"run_id"`
	EventsProcessed    int    `json:"events_processed"`
	LineItemsCreated   int    `json:"line_items_created"`
	ObligationsCreated int    `json:"obligations_created"`
	Unresolved         int    `json:"unresolved"`
	Duplicates         int    `json:"duplicates"`
	Conflicts          int    `json:"conflicts"`
	FailedPartitions   int    `json:"failed_partitions"`
	Deferred           int    `json:"deferred"` // Left pending: lock held elsewhere or out of time
	Waiting            int    `json:"waiting"`  // Left pending: not qualified yet, a later report may qualify
}

func (s *Summary) add(o Summary) {
	s.EventsProcessed += o.EventsProcessed
	s.LineItemsCreated += o.LineItemsCreated
	s.ObligationsCreated += o.ObligationsCreated
	s.Unresolved += o.Unresolved
	s.Duplicates += o.Duplicates
	s.Conflicts += o.Conflicts
	s.FailedPartitions += o.FailedPartitions
	s.Deferred += o.Deferred
	s.Waiting += o.Waiting
}

// =============================================================================
// RUNNER
// =============================================================================

// Runner executes the pipeline. Concurrent RunOnce calls on one Runner are
// serialized; several Runners (or processes) coordinate through the Locker.
type Runner struct {
	store      Store
	rules      RuleSource
	calculator *commission.Calculator
	scheduler  *payment.Scheduler
	locker     Locker
	logger     logrus.FieldLogger
	cfg        Config
	now        func() time.Time

	runMu sync.Mutex

	mu      sync.RWMutex
	state   State
	lastRun *Summary
}

type Option func(*Runner)

func WithLocker(l Locker) Option { return func(r *Runner) { r.locker = l } }

func WithLogger(l logrus.FieldLogger) Option { return func(r *Runner) { r.logger = l } }

func WithCalendar(c payment.Calendar) Option {
	return func(r *Runner) { r.scheduler = payment.NewScheduler(c, nil) }
}

// WithClock overrides the wall clock used for audit timestamps.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func NewRunner(store Store, source RuleSource, cfg Config, opts ...Option) *Runner {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.MaxDuration > 0 && cfg.LockTTL < cfg.MaxDuration+lockMargin {
		cfg.LockTTL = cfg.MaxDuration + lockMargin
	}

	r := &Runner{
		store:      store,
		rules:      source,
		calculator: commission.NewCalculator(),
		scheduler:  payment.NewScheduler(nil, nil),
		locker:     NewMemoryLocker(),
		logger:     logrus.StandardLogger(),
		cfg:        cfg,
		now:        time.Now,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithField("component", "automation")
	return r
}

func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// LastSummary returns the summary of the last finished run, if any.
func (r *Runner) LastSummary() (Summary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastRun == nil {
		return Summary{}, false
	}
	return *r.lastRun, true
}

func (r *Runner) Config() Config { return r.cfg }

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// RunOnce processes one batch of pending events. Per-partition failures are
// counted in the summary; an error is returned only when the run could not
// proceed at all (store unavailable, rule book missing, broken snapshot).
func (r *Runner) RunOnce(ctx context.Context) (Summary, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	summary := Summary{RunID: uuid.NewString()}
	log := r.logger.WithField("run_id", summary.RunID)
	record := Run{ID: summary.RunID, Status: RunRunning, StartedAt: r.now()}
	if err := r.store.SaveRun(ctx, record); err != nil {
		r.setState(StateFailed)
		return summary, fmt.Errorf("save run record: %w", err)
	}

	runCtx := ctx
	if r.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.MaxDuration)
		defer cancel()
	}

	err := r.run(runCtx, log, &summary)

	completed := r.now()
	record.Summary = summary
	record.CompletedAt = &completed
	record.Status = RunCompleted
	if err != nil {
		record.Status = RunFailed
		record.Error = err.Error()
		r.setState(StateFailed)
		log.WithError(err).Error("run failed")
	} else {
		r.setState(StateIdle)
	}

	// The run context may have expired; the audit record is still written.
	if saveErr := r.store.SaveRun(context.WithoutCancel(ctx), record); saveErr != nil {
		log.WithError(saveErr).Warn("could not update run record")
	}

	r.mu.Lock()
	r.lastRun = &summary
	r.mu.Unlock()

	if err == nil {
		log.WithFields(logrus.Fields{
			"events":      summary.EventsProcessed,
			"line_items":  summary.LineItemsCreated,
			"obligations": summary.ObligationsCreated,
			"unresolved":  summary.Unresolved,
			"duplicates":  summary.Duplicates,
			"conflicts":   summary.Conflicts,
			"failed":      summary.FailedPartitions,
			"deferred":    summary.Deferred,
		}).Info("run completed")
	}
	return summary, err
}

func (r *Runner) run(ctx context.Context, log logrus.FieldLogger, summary *Summary) error {
	// Fetching
	r.setState(StateFetching)
	records, err := r.store.ListPendingEvents(ctx, r.cfg.MaxBatchSize)
	if err != nil {
		return fmt.Errorf("list pending events: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	nodes, promotions, err := r.store.LoadNetwork(ctx)
	if err != nil {
		return fmt.Errorf("load network: %w", err)
	}
	snap, err := network.NewSnapshot(nodes, promotions)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}

	// Promotions pending in this batch are part of the run's view of the
	// network, so sales after them in the batch see the new ranks.
	pendingPromotions := make(map[string][]network.Promotion)
	var batchHistory []network.Promotion
	for _, rec := range records {
		if pc, ok := rec.Event.(commission.PositionChange); ok && pc.Validate() == nil {
			history := promotionsOf(pc, snap)
			pendingPromotions[rec.Key] = history
			batchHistory = append(batchHistory, history...)
		}
	}
	if len(batchHistory) > 0 {
		snap, err = network.NewSnapshot(nodes, append(promotions, batchHistory...))
		if err != nil {
			return fmt.Errorf("build snapshot: %w", err)
		}
	}
	book, err := r.rules.RuleBook(ctx)
	if err != nil {
		return fmt.Errorf("load rule book: %w", err)
	}
	if book == nil {
		return errors.New("no rule book configured")
	}

	// Computing
	r.setState(StateComputing)
	partitions := r.partition(records, snap)
	for _, p := range partitions {
		for i := range p.events {
			p.events[i].promotions = pendingPromotions[p.events[i].record.Key]
		}
		r.compute(ctx, log, p, snap, book)
	}

	// Scheduling
	r.setState(StateScheduling)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, p := range partitions {
		g.Go(func() error {
			r.persistPartition(gctx, log, p)
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range partitions {
		summary.add(p.summary)
	}
	return nil
}

// =============================================================================
// PARTITIONS - One per network root
// =============================================================================

type partition struct {
	root    string
	events  []pendingEvent
	failure error // Set when the partition cannot be processed this run
	summary Summary
}

type pendingEvent struct {
	record     EventRecord
	result     commission.Result
	promotions []network.Promotion // Rank history written with the event
	failed     error               // Rejected event; left pending with its attempt recorded
	waiting    bool                // Not qualified yet; left pending
}

// partition groups records by the root of their source node, preserving
// ingestion order inside each group. Events whose source cannot be placed
// in the tree form their own failed partition.
func (r *Runner) partition(records []EventRecord, snap *network.Snapshot) []*partition {
	index := make(map[string]*partition)
	var out []*partition

	for _, rec := range records {
		source := rec.Event.Source()
		key, failure := "", error(nil)
		if root, err := snap.Root(source); err != nil {
			key, failure = "orphan:"+string(source), err
		} else {
			key = string(root)
		}

		p, ok := index[key]
		if !ok {
			p = &partition{root: key, failure: failure}
			index[key] = p
			out = append(out, p)
		}
		p.events = append(p.events, pendingEvent{record: rec})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].root < out[j].root })
	return out
}

func (r *Runner) compute(ctx context.Context, log logrus.FieldLogger, p *partition, snap *network.Snapshot, book *rules.Book) {
	if p.failure != nil {
		return
	}
	for i := range p.events {
		ev := &p.events[i]
		res, err := r.calculator.Compute(ev.record.Event, snap, book)
		switch {
		case err == nil && res.NotYetQualified:
			ev.waiting = true
			p.summary.Waiting++
			if recErr := r.store.RecordEventFailure(ctx, ev.record.Key, fmt.Errorf("not qualified yet: %s", res.Skipped)); recErr != nil {
				log.WithError(recErr).Warn("could not record event attempt")
			}
		case err == nil:
			ev.result = res
		case generic.IsFatal(err):
			p.failure = err
			return
		default:
			ev.failed = err
			log.WithError(err).WithField("event_key", ev.record.Key).Warn("event rejected")
			if recErr := r.store.RecordEventFailure(ctx, ev.record.Key, err); recErr != nil {
				log.WithError(recErr).Warn("could not record event failure")
			}
		}
	}
}

func (r *Runner) persistPartition(ctx context.Context, log logrus.FieldLogger, p *partition) {
	plog := log.WithField("partition", p.root)

	if p.failure != nil {
		p.summary.FailedPartitions++
		plog.WithError(p.failure).Error("partition skipped")
		r.recordFailures(ctx, plog, p.events, p.failure)
		return
	}

	unlock, err := r.locker.TryLock(ctx, partitionLockKey(p.root), r.cfg.LockTTL)
	if err != nil {
		p.summary.Deferred += len(p.events)
		if errors.Is(err, generic.ErrLockNotAcquired) {
			plog.Info("partition locked by another run, deferring")
		} else {
			plog.WithError(err).Warn("partition lock unavailable, deferring")
		}
		return
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			plog.WithError(err).Warn("could not release partition lock")
		}
	}()

	for i, ev := range p.events {
		if ctx.Err() != nil {
			p.summary.Deferred += len(p.events) - i
			plog.Warn("run deadline reached, remaining events stay pending")
			return
		}
		if ev.failed != nil || ev.waiting {
			continue
		}

		outcome, err := r.persistEvent(ctx, ev)
		if err != nil {
			if ctx.Err() != nil {
				p.summary.Deferred += len(p.events) - i
				return
			}
			// Later events may depend on this one; stop the partition here.
			p.summary.FailedPartitions++
			plog.WithError(err).WithField("event_key", ev.record.Key).Error("persist failed, partition stopped")
			r.recordFailures(ctx, plog, p.events[i:i+1], err)
			return
		}
		p.summary.add(outcome)
	}
}

func (r *Runner) recordFailures(ctx context.Context, log logrus.FieldLogger, events []pendingEvent, cause error) {
	for _, ev := range events {
		if err := r.store.RecordEventFailure(ctx, ev.record.Key, cause); err != nil {
			log.WithError(err).WithField("event_key", ev.record.Key).Warn("could not record event failure")
		}
	}
}

// persistEvent writes one event's outputs in a single transaction.
func (r *Runner) persistEvent(ctx context.Context, ev pendingEvent) (Summary, error) {
	var out Summary
	now := r.now()

	err := r.store.WithTx(ctx, func(tx Tx) error {
		out = Summary{}
		if err := tx.ClaimEvent(ctx, ev.record.Key, now); err != nil {
			return err
		}
		if len(ev.promotions) > 0 {
			if _, err := tx.RecordPromotions(ctx, ev.promotions); err != nil {
				return fmt.Errorf("record promotions: %w", err)
			}
		}

		items := make([]commission.LineItem, len(ev.result.LineItems))
		for i, li := range ev.result.LineItems {
			li.ComputedAt = now
			items[i] = li
		}
		created, err := tx.AppendLineItems(ctx, items)
		if err != nil {
			return fmt.Errorf("append line items: %w", err)
		}
		out.LineItemsCreated = created

		plan, err := r.scheduler.WithReader(tx).Schedule(ctx, items)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		obligations := make([]payment.Obligation, len(plan.Created))
		for i, ob := range plan.Created {
			ob.CreatedAt = now
			obligations[i] = ob
		}
		if err := tx.SaveObligations(ctx, obligations); err != nil {
			return fmt.Errorf("save obligations: %w", err)
		}
		out.ObligationsCreated = len(obligations)

		entries := make([]commission.Unresolved, 0, len(ev.result.Unresolved)+len(plan.Conflicts))
		for _, u := range ev.result.Unresolved {
			u.CreatedAt = now
			entries = append(entries, u)
		}
		for _, c := range plan.Conflicts {
			entries = append(entries, conflictEntry(c, now))
		}
		enqueued, err := tx.EnqueueUnresolved(ctx, entries)
		if err != nil {
			return fmt.Errorf("enqueue unresolved: %w", err)
		}
		out.Unresolved = enqueued
		out.Conflicts = len(plan.Conflicts)
		out.EventsProcessed = 1
		return nil
	})

	if errors.Is(err, generic.ErrDuplicateEvent) {
		return Summary{Duplicates: 1}, nil
	}
	return out, err
}

// promotionsOf turns a position change into rank history. A distributor
// without recorded history is first given its stored rank from its join date
// when that rank is below the new one, so dates before the promotion keep
// the rank it already held.
func promotionsOf(pc commission.PositionChange, snap *network.Snapshot) []network.Promotion {
	promotion := network.Promotion{DistributorID: pc.DistributorID, NewRank: pc.NewRank, EffectiveDate: pc.EffectiveDate}
	n, ok := snap.Node(pc.DistributorID)
	if !ok || len(snap.Promotions(n.ID)) > 0 {
		return []network.Promotion{promotion}
	}
	if n.JoinDate.IsZero() || !n.JoinDate.Before(pc.EffectiveDate) ||
		n.Rank <= network.RankConseiller || pc.NewRank <= n.Rank {
		return []network.Promotion{promotion}
	}
	baseline := network.Promotion{DistributorID: n.ID, NewRank: n.Rank, EffectiveDate: n.JoinDate}
	return []network.Promotion{baseline, promotion}
}

func conflictEntry(c payment.Conflict, at time.Time) commission.Unresolved {
	li := c.LineItem
	return commission.Unresolved{
		ID:             commission.UnresolvedID(li.SourceEventKey, li.Type, li.BeneficiaryID, commission.ReasonSchedulingConflict),
		SourceEventKey: li.SourceEventKey,
		Type:           li.Type,
		BeneficiaryID:  li.BeneficiaryID,
		Generation:     li.Generation,
		Rank:           li.Rank,
		Product:        li.Product,
		Reason:         commission.ReasonSchedulingConflict,
		Detail:         c.Err.Error(),
		Status:         commission.UnresolvedOpen,
		CreatedAt:      at,
	}
}
