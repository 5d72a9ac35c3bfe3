// File: facade/ioqueue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Service ties the queue table, operation tracker, completion engine and
// transport factory together behind descriptor-based calls. It is the
// only exported entry point for queue operations.

package facade

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/momentics/ioqueue/api"
	"github.com/momentics/ioqueue/control"
	"github.com/momentics/ioqueue/internal/engine"
	"github.com/momentics/ioqueue/internal/queue"
	"github.com/momentics/ioqueue/internal/table"
	"github.com/momentics/ioqueue/internal/tracker"
	"github.com/momentics/ioqueue/internal/transport"
	"github.com/momentics/ioqueue/pool"
)

// Runtime setting keys accepted by Settings().SetConfig.
const (
	SettingConnectTimeout = "connect_timeout" // time.Duration
	SettingGuardBuffers   = "guard_buffers"   // bool
)

// Service owns every queue, pending operation and backend of one
// io-queue instance.
type Service struct {
	cfg Config
	id  uuid.UUID
	log *slog.Logger

	pool     *pool.SlabPool
	factory  *transport.Factory
	tracker  *tracker.Tracker
	queues   *table.Table[*queue.Queue]
	env      *queue.Env
	engine   *engine.Engine
	metrics  *control.Metrics
	probes   *control.DebugProbes
	settings *control.ConfigStore

	mu     sync.RWMutex
	closed bool
}

var (
	initMu   sync.Mutex
	instance *Service
)

// Init creates the process-wide service. It may be called once; later
// calls fail with AlreadyInitialized.
func Init(cfg *Config) (*Service, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if instance != nil {
		return nil, api.NewError(api.ErrCodeAlreadyInitialized, "service already initialized").
			WithContext("instance", instance.id.String())
	}
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	instance = s
	return s, nil
}

// New creates an independent service. Most programs call Init instead;
// New is for tests and for embedding several isolated instances.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Service{cfg: *cfg, id: uuid.New()}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}
	s.log = log.With("component", "ioqueue", "instance", s.id.String())

	if cfg.PoolClassCapacity > 0 {
		s.pool = pool.NewSlabPool(cfg.PoolClassCapacity)
	} else {
		s.pool = pool.Default()
	}
	s.metrics = control.NewMetrics(cfg.MeterProvider)
	s.tracker = tracker.New(cfg.MaxPending)
	s.queues = table.New[*queue.Queue](cfg.MaxQueues)
	s.env = &queue.Env{
		Tracker: s.tracker,
		Metrics: s.metrics,
		Log:     s.log,
		Adopt:   s.adopt,
	}
	s.engine = engine.New(s.tracker, s.queues, s.metrics, s.log)
	s.factory = transport.NewFactory(transport.Options{
		Pool:           s.pool,
		Log:            s.log,
		StreamChunk:    cfg.StreamChunkSize,
		LoopInbox:      cfg.LoopInboxCapacity,
		LoopPipeDepth:  cfg.LoopStreamDepth,
		RingEntries:    cfg.URingEntries,
		WebSocketPath:  cfg.WebSocketPath,
		WebSocketQueue: cfg.WebSocketQueue,
	})

	s.settings = control.NewConfigStore(nil)
	s.settings.OnReload(s.applySettings)
	s.settings.SetConfig(map[string]any{
		SettingConnectTimeout: cfg.ConnectTimeout,
		SettingGuardBuffers:   cfg.GuardBuffers,
	})

	s.probes = control.NewDebugProbes()
	control.RegisterPlatformProbes(s.probes)
	s.probes.RegisterProbe("instance", func() any { return s.id.String() })
	s.probes.RegisterProbe("queues", s.queueInfo)
	s.probes.RegisterProbe("descriptors", func() any { return s.queues.Descriptors() })
	s.probes.RegisterProbe("loopback", func() any { return s.factory.Loopback().Stats() })
	s.probes.RegisterProbe("tracker", func() any { return s.tracker.Stats() })
	s.probes.RegisterProbe("pool", func() any { return s.pool.Stats() })
	s.probes.RegisterProbe("settings", func() any { return s.settings.GetSnapshot() })

	s.log.Info("io-queue service started",
		"max_queues", cfg.MaxQueues,
		"max_pending", s.tracker.Stats().Capacity,
		"connect_timeout", cfg.ConnectTimeout)
	return s, nil
}

func (s *Service) applySettings(changed map[string]any) {
	if _, ok := changed[SettingConnectTimeout]; ok {
		s.env.SetConnectTimeout(s.settings.Duration(SettingConnectTimeout, 0))
	}
	if _, ok := changed[SettingGuardBuffers]; ok {
		s.env.SetGuardBuffers(s.settings.Bool(SettingGuardBuffers, false))
	}
	s.log.Debug("settings applied", "changed", len(changed))
}

// Settings exposes the runtime-adjustable settings.
func (s *Service) Settings() *control.ConfigStore { return s.settings }

// ID returns the instance identifier attached to every log record.
func (s *Service) ID() uuid.UUID { return s.id }

func (s *Service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return api.NewError(api.ErrCodeInvalidState, "service shut down")
	}
	return nil
}

// lookup resolves qd to an open queue.
func (s *Service) lookup(qd api.QDesc) (*queue.Queue, error) {
	if qd < 0 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "negative queue descriptor").WithContext("qd", int(qd))
	}
	q, ok := s.queues.Get(qd)
	if !ok {
		return nil, api.NewError(api.ErrCodeInvalidState, "queue not open").WithContext("qd", int(qd))
	}
	return q, nil
}

// insert registers b under the lowest free descriptor. On failure b is
// closed.
func (s *Service) insert(b api.Backend, state api.QueueState, remote netip.AddrPort) (api.QDesc, error) {
	qd, err := s.queues.Insert(func(qd api.QDesc) (*queue.Queue, error) {
		q := queue.New(qd, b, state, s.env)
		if remote.IsValid() {
			q.SetRemote(remote)
		}
		return q, nil
	})
	if err != nil {
		_ = b.Close()
		return api.InvalidQDesc, err
	}
	s.metrics.QueueOpened(context.Background(), b.Kind())
	s.log.Debug("queue opened", "qd", int(qd), "kind", b.Kind().String(), "state", state.String())
	return qd, nil
}

// adopt turns an accepted peer into a connected queue.
func (s *Service) adopt(b api.Backend, remote netip.AddrPort) (api.QDesc, error) {
	if err := s.checkOpen(); err != nil {
		return api.InvalidQDesc, err
	}
	return s.insert(b, api.StateConnected, remote)
}

// Queue creates an unbound queue for the (domain, type, protocol) triple.
func (s *Service) Queue(d api.Domain, t api.SockType, p api.Protocol) (api.QDesc, error) {
	if err := s.checkOpen(); err != nil {
		return api.InvalidQDesc, err
	}
	b, err := s.factory.New(d, t, p)
	if err != nil {
		return api.InvalidQDesc, err
	}
	return s.insert(b, api.StateUnbound, netip.AddrPort{})
}

// Open creates a file queue. Pushes write sequentially from the start
// (or the end with os.O_APPEND); pops read sequential chunks.
func (s *Service) Open(path string, flag int, perm os.FileMode) (api.QDesc, error) {
	if err := s.checkOpen(); err != nil {
		return api.InvalidQDesc, err
	}
	b, err := s.factory.Open(path, flag, perm)
	if err != nil {
		return api.InvalidQDesc, err
	}
	return s.insert(b, api.StateConnected, netip.AddrPort{})
}

// Adopt registers an externally created backend as a queue in the given
// state. It lets callers plug in transports the factory does not know.
func (s *Service) Adopt(b api.Backend, state api.QueueState) (api.QDesc, error) {
	if b == nil {
		return api.InvalidQDesc, api.NewError(api.ErrCodeInvalidArgument, "nil backend")
	}
	if state == api.StateClosing || state == api.StateClosed {
		return api.InvalidQDesc, api.NewError(api.ErrCodeInvalidArgument, "cannot adopt a closed backend")
	}
	if err := s.checkOpen(); err != nil {
		return api.InvalidQDesc, err
	}
	return s.insert(b, state, netip.AddrPort{})
}

// Bind assigns a local address to qd.
func (s *Service) Bind(qd api.QDesc, addr netip.AddrPort) error {
	q, err := s.lookup(qd)
	if err != nil {
		return err
	}
	return q.Bind(addr)
}

// Listen makes a bound stream or message queue accept peers.
func (s *Service) Listen(qd api.QDesc, backlog int) error {
	q, err := s.lookup(qd)
	if err != nil {
		return err
	}
	return q.Listen(backlog)
}

// Connect connects qd to addr. Datagram queues complete inline.
func (s *Service) Connect(qd api.QDesc, addr netip.AddrPort) (api.Op, error) {
	q, err := s.lookup(qd)
	if err != nil {
		return api.Op{}, err
	}
	return q.Connect(addr)
}

// Accept takes the next peer of a listening queue. The result carries
// the new queue in NewQD.
func (s *Service) Accept(qd api.QDesc) (api.Op, error) {
	q, err := s.lookup(qd)
	if err != nil {
		return api.Op{}, err
	}
	return q.Accept()
}

// Push submits sga on qd. The segments must stay untouched until the
// operation resolves.
func (s *Service) Push(qd api.QDesc, sga *api.SGA) (api.Op, error) {
	q, err := s.lookup(qd)
	if err != nil {
		return api.Op{}, err
	}
	return q.Push(sga)
}

// Pop requests the next data on qd. The caller frees the result SGA.
func (s *Service) Pop(qd api.QDesc) (api.Op, error) {
	q, err := s.lookup(qd)
	if err != nil {
		return api.Op{}, err
	}
	return q.Pop()
}

// Wait blocks until qt resolves; see engine.Engine.Wait.
func (s *Service) Wait(ctx context.Context, qt api.Token) (api.Result, error) {
	return s.engine.Wait(ctx, qt)
}

// WaitAny blocks until one of qts resolves and returns its index.
func (s *Service) WaitAny(ctx context.Context, qts []api.Token) (int, api.Result, error) {
	return s.engine.WaitAny(ctx, qts)
}

// Poll checks qt without blocking.
func (s *Service) Poll(qt api.Token) (api.Result, bool, error) {
	return s.engine.Poll(qt)
}

// Drop abandons qt.
func (s *Service) Drop(qt api.Token) error {
	return s.engine.Drop(qt)
}

// Run drives all queues in the background until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	return s.engine.Run(ctx)
}

// Close cancels the pending operations of qd, releases its backend and
// frees the descriptor for reuse.
func (s *Service) Close(qd api.QDesc) error {
	q, err := s.lookup(qd)
	if err != nil {
		return err
	}
	return s.closeQueue(q)
}

func (s *Service) closeQueue(q *queue.Queue) error {
	err := q.Close()
	if q.State() != api.StateClosed {
		return err
	}
	same := func(cur *queue.Queue) bool { return cur == q }
	if _, ok := s.queues.RemoveIf(q.QD(), same); ok {
		s.metrics.QueueClosed(context.Background(), q.Kind())
	}
	if err != nil {
		s.log.Warn("queue closed with error", "qd", int(q.QD()), "error", err)
	}
	return err
}

// Shutdown closes every queue and releases shared transport resources.
// The service rejects new queues afterwards. Calling it again is a no-op.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, q := range s.queues.Snapshot() {
		if err := s.closeQueue(q); err != nil && !errors.Is(err, api.ErrInvalidState) {
			errs = append(errs, err)
		}
	}
	if err := s.factory.Close(); err != nil {
		errs = append(errs, err)
	}
	st := s.tracker.Stats()
	s.log.Info("io-queue service stopped", "unclaimed_entries", st.Live)
	return errors.Join(errs...)
}

// LocalAddr returns the bound address of qd, zero if unbound.
func (s *Service) LocalAddr(qd api.QDesc) (netip.AddrPort, error) {
	q, err := s.lookup(qd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return q.LocalAddr(), nil
}

// State returns the lifecycle state of qd.
func (s *Service) State(qd api.QDesc) (api.QueueState, error) {
	q, err := s.lookup(qd)
	if err != nil {
		return api.StateClosed, err
	}
	return q.State(), nil
}

func (s *Service) queueInfo() any {
	qs := s.queues.Snapshot()
	out := make([]queue.Info, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.Info())
	}
	return out
}

// DumpState evaluates every debug probe: open queues, tracker and pool
// statistics, runtime settings and platform facts.
func (s *Service) DumpState() map[string]any {
	return s.probes.DumpState()
}

// Probes exposes the probe registry so callers can add their own.
func (s *Service) Probes() *control.DebugProbes { return s.probes }
