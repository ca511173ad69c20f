package ops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zhangyunhao116/skipmap"

	"github.com/dreamware/nameserver/internal/metrics"
)

// Store persists op records. SaveOp is called on every state transition.
type Store interface {
	SaveOp(ctx context.Context, rec Record) error
}

// Options configures a Manager. Zero fields take the defaults of
// DefaultOptions.
type Options struct {
	// Store persists op records; nil keeps history in memory only.
	Store Store
	// Permanent classifies step errors that must not be retried.
	Permanent      func(error) bool
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RPCTimeout     time.Duration
}

// DefaultOptions returns the defaults used for zero Options fields.
func DefaultOptions() Options {
	return Options{
		Workers:        4,
		QueueSize:      1024,
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		RPCTimeout:     5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = d.RPCTimeout
	}
	return o
}

type entry struct {
	done      chan struct{}
	cancelled atomic.Bool
	key       string
	target    Target
	op        Op
}

// tableGate orders ops of one table: partition ops share it, table-level
// ops hold it alone.
type tableGate struct {
	sync.RWMutex
	refs int
}

// Manager is the Op Manager. It assigns strictly increasing ids, keeps the
// full history ordered by id, and runs ops on a bounded worker pool with
// one active op per target key.
//
// Scheduling:
//
//	Submit ──▶ queues[key] ──(key idle)──▶ ready ──▶ worker
//	                                                  │
//	           worker runs the op, then pops the next ◀┘
//	           op of the same key itself until the key queue is empty
//
// Keys of different partitions run in parallel. A table-level op also waits
// on its table's gate, so it never overlaps a partition op of that table;
// partition ops that start after it wait for it to finish.
//
// Only Submit sends on ready, and only while holding mu after checking
// capacity, so the send never blocks.
type Manager struct {
	opts      Options
	executors map[Kind]Executor
	history   *skipmap.FuncMap[uint64, *entry]
	queues    map[string][]*entry
	gates     map[string]*tableGate
	ready     chan *entry
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	lastID    uint64
	started   bool
}

// NewManager creates a manager. Executors must be registered before Start.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:      opts,
		executors: make(map[Kind]Executor),
		history: skipmap.NewFunc[uint64, *entry](func(a, b uint64) bool {
			return a < b
		}),
		queues: make(map[string][]*entry),
		gates:  make(map[string]*tableGate),
		ready:  make(chan *entry, opts.QueueSize),
	}
}

// Register installs the executor for a kind.
func (m *Manager) Register(kind Kind, exec Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[kind] = exec
}

// Start launches the worker pool. Ops submitted earlier start now.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	log.Info().Int("workers", m.opts.Workers).Msg("op manager started")
}

// Stop cancels running ops and waits for the workers to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Load restores history from persisted records. Ops that were pending or
// running when the previous process stopped are marked Failed.
func (m *Manager) Load(ctx context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		op, err := FromRecord(rec)
		if err != nil {
			return fmt.Errorf("loading op %d: %w", rec.ID, err)
		}
		if !op.State.Terminal() {
			now := time.Now().UTC()
			op.State = StateFailed
			op.Message = restartedMessage
			op.FinishedAt = &now
			m.persist(ctx, op)
		}
		target := op.Payload.Target()
		e := &entry{op: op, key: target.Key(), target: target, done: make(chan struct{})}
		close(e.done)
		m.history.Store(op.ID, e)
		if op.ID > m.lastID {
			m.lastID = op.ID
		}
	}
	log.Info().Int("ops", len(records)).Uint64("last_id", m.lastID).Msg("op history loaded")
	return nil
}

// Submit accepts an op. The returned snapshot carries the new id, which is
// greater than every id handed out before.
func (m *Manager) Submit(ctx context.Context, p Payload) (Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executors[p.Kind()]; !ok {
		return Op{}, fmt.Errorf("%w: %s", ErrNoExecutor, p.Kind())
	}

	target := p.Target()
	key := target.Key()
	_, busy := m.queues[key]
	if !busy && len(m.ready) == cap(m.ready) {
		return Op{}, ErrQueueFull
	}

	id := m.lastID + 1
	op := newOp(id, p, StateInit, "", time.Now().UTC(), nil)
	if err := m.persistStrict(ctx, op); err != nil {
		return Op{}, err
	}
	m.lastID = id

	e := &entry{op: op, key: key, target: target, done: make(chan struct{})}
	m.history.Store(id, e)
	m.queues[key] = append(m.queues[key], e)
	if !busy {
		m.ready <- e
	}

	metrics.OpsSubmitted.WithLabelValues(string(op.Kind)).Inc()
	log.Info().Uint64("op_id", id).Str("kind", string(op.Kind)).Str("table", op.Table).
		Uint32("pid", op.PID).Str("state", string(op.State)).Msg("op submitted")
	return op, nil
}

// Cancel cancels an op. A pending op is cancelled immediately; a running op
// observes the request before its next step attempt.
func (m *Manager) Cancel(ctx context.Context, id uint64) error {
	m.mu.Lock()
	e, ok := m.history.Load(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrOpNotFound, id)
	}
	switch e.op.State {
	case StateInit:
		e.cancelled.Store(true)
		m.finishLocked(e, StateCancelled, "cancelled by admin")
		op := e.op
		m.mu.Unlock()
		m.persist(ctx, op)
		return nil
	case StateRunning:
		e.cancelled.Store(true)
		m.mu.Unlock()
		log.Info().Uint64("op_id", id).Msg("cancellation requested for running op")
		return nil
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: %d is %s", ErrOpFinished, id, e.op.State)
	}
}

// Get returns a snapshot of one op.
func (m *Manager) Get(id uint64) (Op, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.history.Load(id)
	if !ok {
		return Op{}, false
	}
	return e.op, true
}

// List returns snapshots of every op accepted by filter, oldest first. A nil
// filter accepts all ops.
func (m *Manager) List(filter func(Op) bool) []Op {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Op
	m.history.Range(func(_ uint64, e *entry) bool {
		if filter == nil || filter(e.op) {
			out = append(out, e.op)
		}
		return true
	})
	return out
}

// LastID returns the greatest op id handed out so far, or 0.
func (m *Manager) LastID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID
}

// Wait blocks until the op reaches a terminal state or ctx is done.
func (m *Manager) Wait(ctx context.Context, id uint64) (Op, error) {
	m.mu.Lock()
	e, ok := m.history.Load(id)
	m.mu.Unlock()
	if !ok {
		return Op{}, fmt.Errorf("%w: %d", ErrOpNotFound, id)
	}

	select {
	case <-e.done:
		op, _ := m.Get(id)
		return op, nil
	case <-ctx.Done():
		return Op{}, ctx.Err()
	}
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.ready:
			for e != nil {
				m.execute(ctx, e)
				e = m.next(e.key)
			}
		}
	}
}

// next pops the finished head of a key queue and returns the new head.
func (m *Manager) next(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[key][1:]
	if len(q) == 0 {
		delete(m.queues, key)
		return nil
	}
	m.queues[key] = q
	return q[0]
}

// lockTable takes the entry's table gate and returns its release.
func (m *Manager) lockTable(e *entry) func() {
	name := e.target.Table
	m.mu.Lock()
	g, ok := m.gates[name]
	if !ok {
		g = &tableGate{}
		m.gates[name] = g
	}
	g.refs++
	m.mu.Unlock()

	if e.target.TableLevel {
		g.Lock()
	} else {
		g.RLock()
	}
	return func() {
		if e.target.TableLevel {
			g.Unlock()
		} else {
			g.RUnlock()
		}
		m.mu.Lock()
		if g.refs--; g.refs == 0 {
			delete(m.gates, name)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) execute(ctx context.Context, e *entry) {
	unlock := m.lockTable(e)
	defer unlock()

	m.mu.Lock()
	if e.op.State != StateInit {
		// Cancelled while queued.
		m.mu.Unlock()
		return
	}
	exec := m.executors[e.op.Kind]
	now := time.Now().UTC()
	e.op.State = StateRunning
	e.op.StartedAt = &now
	op := e.op
	m.mu.Unlock()

	m.persist(ctx, op)
	logger := log.With().Uint64("op_id", op.ID).Str("kind", string(op.Kind)).
		Str("table", op.Table).Uint32("pid", op.PID).Logger()
	logger.Info().Str("state", string(StateRunning)).Msg("op started")

	run := &Run{
		id:        op.ID,
		payload:   op.Payload,
		cancelled: &e.cancelled,
		policy: retryPolicy{
			permanent:      m.opts.Permanent,
			maxAttempts:    m.opts.MaxAttempts,
			initialBackoff: m.opts.InitialBackoff,
			maxBackoff:     m.opts.MaxBackoff,
			rpcTimeout:     m.opts.RPCTimeout,
		},
	}
	err := exec.Execute(ctx, run)

	state, msg := StateDone, run.finalMessage()
	switch {
	case err == nil:
		if msg == "" {
			msg = "ok"
		}
	case errors.Is(err, ErrCancelled):
		state, msg = StateCancelled, "cancelled by admin"
	case ctx.Err() != nil:
		state, msg = StateFailed, ErrStopped.Error()+": "+err.Error()
	default:
		state, msg = StateFailed, err.Error()
	}

	m.mu.Lock()
	m.finishLocked(e, state, msg)
	op = e.op
	m.mu.Unlock()

	// The op's own context may already be cancelled during shutdown.
	m.persist(context.WithoutCancel(ctx), op)
	metrics.OpDuration.WithLabelValues(string(op.Kind)).Observe(time.Since(now).Seconds())

	ev := logger.Info()
	if state == StateFailed {
		ev = logger.Warn()
	}
	ev.Str("state", string(state)).Str("message", msg).Msg("op finished")
}

func (m *Manager) finishLocked(e *entry, state State, msg string) {
	now := time.Now().UTC()
	e.op.State = state
	e.op.Message = msg
	e.op.FinishedAt = &now
	close(e.done)
	metrics.OpsFinished.WithLabelValues(string(e.op.Kind), string(state)).Inc()
}

func (m *Manager) persistStrict(ctx context.Context, op Op) error {
	if m.opts.Store == nil {
		return nil
	}
	rec, err := op.ToRecord()
	if err != nil {
		return err
	}
	if err := m.opts.Store.SaveOp(ctx, rec); err != nil {
		return fmt.Errorf("persisting op %d: %w", op.ID, err)
	}
	return nil
}

// persist records a transition. A failed write only loses history detail,
// so it is logged rather than failing the op.
func (m *Manager) persist(ctx context.Context, op Op) {
	if err := m.persistStrict(ctx, op); err != nil {
		log.Error().Err(err).Uint64("op_id", op.ID).Str("state", string(op.State)).Msg("failed to persist op")
	}
}
