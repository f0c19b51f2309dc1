package ledger

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vast-ai/goworker/internal/models"
	"github.com/vast-ai/goworker/internal/workload"
)

// Ledger is the concurrent-safe registry of in-flight requests. It is the
// only state shared between request handlers, observers and the reporter;
// all access goes through its API and no caller ever holds a ledger lock
// across backend I/O.
//
// Every mutation adjusts the aggregate load counter by its delta, so
// SnapshotAggregate is an O(1) atomic read plus an amortized-O(1) drain of
// entries that went terminal since the previous snapshot.
type Ledger struct {
	registry      *workload.Registry
	partialCredit float64

	mu      sync.RWMutex
	entries map[string]*entry
	flushed []*entry

	aggregateBits atomic.Uint64
	servedBits    atomic.Uint64
	working       atomic.Int64
	received      atomic.Int64
}

type entry struct {
	mu sync.Mutex

	desc    *models.Descriptor
	profile workload.Profile

	state        models.RequestState
	estimate     float64
	measured     float64
	contribution float64
	progress     workload.Progress
	start        time.Time
	finalLoad    float64
	failReason   string
}

// New creates a ledger. partialCredit is the fraction of the a-priori
// estimate charged for requests that fail before any progress was observed.
func New(registry *workload.Registry, partialCredit float64) *Ledger {
	return &Ledger{
		registry:      registry,
		partialCredit: partialCredit,
		entries:       make(map[string]*entry),
	}
}

// Register creates an in-flight entry in state accepted with an a-priori
// load estimate and returns that estimate. Registration happens before the
// backend call so queueing time at the backend is accounted for.
func (l *Ledger) Register(desc *models.Descriptor) (float64, error) {
	profile, err := l.registry.Lookup(desc.Kind)
	if err != nil {
		return 0, err
	}

	e := &entry{
		desc:     desc,
		profile:  profile,
		state:    models.StateAccepted,
		estimate: profile.EstimateApriori(desc),
		start:    time.Now(),
	}
	e.contribution = e.estimate

	l.mu.Lock()
	if _, exists := l.entries[desc.ReqID]; exists {
		l.mu.Unlock()
		return 0, fmt.Errorf("request %s already registered", desc.ReqID)
	}
	l.entries[desc.ReqID] = e
	l.mu.Unlock()

	l.addAggregate(e.estimate)
	l.working.Add(1)
	l.received.Add(1)
	return e.estimate, nil
}

// SetState advances a non-terminal entry's lifecycle state. Unknown ids and
// terminal entries are no-ops.
func (l *Ledger) SetState(reqID string, state models.RequestState) {
	e := l.lookup(reqID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if !e.state.Terminal() {
		e.state = state
	}
	e.mu.Unlock()
}

// ApplyEvent folds one progress event into the entry's measured load. An
// unknown reqID is a no-op: the request may already have been unregistered
// after cancellation. A terminal event applied twice is idempotent.
func (l *Ledger) ApplyEvent(ev models.ProgressEvent) {
	e := l.lookup(ev.ReqID)
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}

	switch ev.Kind {
	case models.EventToken:
		n := ev.Count
		if n <= 0 {
			n = 1
		}
		e.progress.Tokens += n
	case models.EventPixelBatch:
		if ev.Fraction > e.progress.Fraction {
			e.progress.Fraction = ev.Fraction
		}
	case models.EventComplete:
		e.progress.Completed = true
		measured := e.profile.EstimateMeasured(e.desc, e.progress)
		l.finalizeLocked(e, models.StateCompleted, measured, "")
		e.mu.Unlock()
		return
	case models.EventError:
		l.finalizeLocked(e, models.StateFailed, l.partialFinal(e), ev.Status)
		e.mu.Unlock()
		return
	default:
		e.mu.Unlock()
		return
	}

	// Measured supersedes estimated, monotonically.
	if m := e.profile.EstimateMeasured(e.desc, e.progress); m > e.measured {
		e.measured = m
	}
	l.settleContributionLocked(e)
	e.mu.Unlock()
}

// Complete transitions the entry to completed and fixes its final load. A
// non-positive finalLoad falls back to the measured value, or the a-priori
// estimate when nothing was measured.
func (l *Ledger) Complete(reqID string, finalLoad float64) {
	e := l.lookup(reqID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	if finalLoad <= 0 {
		e.progress.Completed = true
		finalLoad = e.profile.EstimateMeasured(e.desc, e.progress)
	}
	l.finalizeLocked(e, models.StateCompleted, finalLoad, "")
	e.mu.Unlock()
}

// Fail transitions the entry to failed (or canceled) with partial measured
// load from whatever events arrived so far. A request that produced no
// progress at all is charged its a-priori estimate scaled by the
// partial-credit factor.
func (l *Ledger) Fail(reqID string, reason string, canceled bool) {
	e := l.lookup(reqID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	state := models.StateFailed
	if canceled {
		state = models.StateCanceled
	}
	l.finalizeLocked(e, state, l.partialFinal(e), reason)
	e.mu.Unlock()
}

// SnapshotAggregate returns the current aggregate load and then drains
// entries that went terminal since the last snapshot, so each terminal
// request is reported exactly once more before disappearing.
func (l *Ledger) SnapshotAggregate() float64 {
	v := math.Float64frombits(l.aggregateBits.Load())

	l.mu.Lock()
	for _, e := range l.flushed {
		l.addAggregate(-e.contribution)
		delete(l.entries, e.desc.ReqID)
	}
	l.flushed = l.flushed[:0]
	l.mu.Unlock()

	if v < 0 {
		return 0
	}
	return v
}

// Peek returns the aggregate load without draining terminal entries.
func (l *Ledger) Peek() float64 {
	v := math.Float64frombits(l.aggregateBits.Load())
	if v < 0 {
		return 0
	}
	return v
}

// Breakdown returns the aggregate load split by backend kind. This walks
// the table and is meant for the reporting path, not the hot path.
func (l *Ledger) Breakdown() map[models.BackendKind]float64 {
	out := make(map[models.BackendKind]float64)
	for _, e := range l.snapshotEntries() {
		e.mu.Lock()
		out[e.desc.Kind] += e.contribution
		e.mu.Unlock()
	}
	return out
}

// snapshotEntries copies the entry pointers so callers can lock entries
// without holding the table lock; finalization takes the locks in the
// opposite order.
func (l *Ledger) snapshotEntries() []*entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}

// Working returns the number of live non-terminal entries.
func (l *Ledger) Working() int {
	return int(l.working.Load())
}

// TakeReceived returns the number of requests registered since the last
// call and resets the counter, matching the report cycle semantics.
func (l *Ledger) TakeReceived() int {
	return int(l.received.Swap(0))
}

// TakeServed returns the load completed successfully since the last call
// and resets the counter.
func (l *Ledger) TakeServed() float64 {
	return math.Float64frombits(l.servedBits.Swap(0))
}

// Snapshot describes one entry for status endpoints and tests.
type Snapshot struct {
	ReqID        string              `json:"req_id"`
	Kind         models.BackendKind  `json:"kind"`
	State        models.RequestState `json:"state"`
	Estimate     float64             `json:"estimate"`
	Measured     float64             `json:"measured"`
	Contribution float64             `json:"contribution"`
}

// Entries lists current entries, terminal-but-undrained ones included.
func (l *Ledger) Entries() []Snapshot {
	entries := l.snapshotEntries()
	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, Snapshot{
			ReqID:        e.desc.ReqID,
			Kind:         e.desc.Kind,
			State:        e.state,
			Estimate:     e.estimate,
			Measured:     e.measured,
			Contribution: e.contribution,
		})
		e.mu.Unlock()
	}
	return out
}

// Lookup returns the lifecycle state and final load of an entry, for
// request finalization bookkeeping.
func (l *Ledger) Lookup(reqID string) (models.RequestState, float64, bool) {
	e := l.lookup(reqID)
	if e == nil {
		return "", 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.finalLoad, true
}

func (l *Ledger) lookup(reqID string) *entry {
	l.mu.RLock()
	e := l.entries[reqID]
	l.mu.RUnlock()
	return e
}

// partialFinal computes the final load for a request that ended without
// completing: measured progress when there is any, otherwise the a-priori
// estimate scaled by the partial-credit factor.
func (l *Ledger) partialFinal(e *entry) float64 {
	if e.measured > 0 {
		return e.measured
	}
	return e.estimate * l.partialCredit
}

// finalizeLocked fixes the entry's final load, moves it to a terminal
// state and queues it for removal at the next aggregate read. Caller holds
// e.mu.
func (l *Ledger) finalizeLocked(e *entry, state models.RequestState, finalLoad float64, reason string) {
	e.state = state
	e.finalLoad = finalLoad
	e.measured = finalLoad
	e.failReason = reason
	l.working.Add(-1)
	if state == models.StateCompleted {
		l.addServed(finalLoad)
	}

	l.addAggregate(finalLoad - e.contribution)
	e.contribution = finalLoad

	l.mu.Lock()
	l.flushed = append(l.flushed, e)
	l.mu.Unlock()
}

// settleContributionLocked moves the entry's aggregate contribution to the
// measured value once one exists. Caller holds e.mu.
func (l *Ledger) settleContributionLocked(e *entry) {
	want := e.estimate
	if e.measured > 0 {
		want = e.measured
	}
	if want != e.contribution {
		l.addAggregate(want - e.contribution)
		e.contribution = want
	}
}

func (l *Ledger) addServed(delta float64) {
	for {
		old := l.servedBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if l.servedBits.CompareAndSwap(old, next) {
			return
		}
	}
}

// addAggregate applies a delta to the aggregate load with a CAS loop over
// the float64 bit pattern, so readers never see a torn value.
func (l *Ledger) addAggregate(delta float64) {
	for {
		old := l.aggregateBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if l.aggregateBits.CompareAndSwap(old, next) {
			return
		}
	}
}
