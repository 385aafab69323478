// Package sessionmgr owns the process-wide session map, per-session
// reference counts, and the single FIFO worker that drains requests
// queued for those sessions. It does not itself know how to validate or
// act on a request; that is pkg/request's job, reached here only
// through the narrow Dispatcher interface so the two packages don't
// import each other.
package sessionmgr

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/arzzra/nosip_bridge/pkg/media"
)

// queueCapacity bounds the pending-request channel. A queue this deep
// absorbs a burst from the host without blocking its calling goroutine;
// once full, Enqueue reports rejection rather than blocking, matching
// handle_message's accepted|rejected contract.
const queueCapacity = 256

// PendingRequest is one request handed to the worker: the session it
// targets, the transaction id the response must echo, the decoded
// request payload, and the WebRTC-side description attached to it, if
// any (generate carries one; process carries its own description
// inline in Request instead).
type PendingRequest struct {
	Handle      hostapi.SessionHandle
	Transaction string
	Request     map[string]any
	JSEP        *hostapi.JSEP
}

// Dispatcher processes one PendingRequest against its session. The
// implementation (pkg/request.Handler) is responsible for every
// validation rule, state mutation, and PushEvent/NotifyEvent call the
// request entails; the SessionManager only guarantees it runs with
// exclusive, in-order access to that session's request stream.
type Dispatcher interface {
	Dispatch(ctx context.Context, mgr *SessionManager, req PendingRequest)
}

type entry struct {
	session *media.Session
	refs    int
}

// SessionManager is the process-wide owner of the session map and the
// request queue. Create one per process with New, assign its
// Dispatcher, and run it with Run in its own goroutine.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[hostapi.SessionHandle]*entry

	queue      chan PendingRequest
	dispatcher Dispatcher

	Metrics *Metrics
	log     *log.Logger
}

// New builds a SessionManager. dispatcher may be nil and set later via
// SetDispatcher, e.g. when pkg/request's Handler needs a reference back
// to the SessionManager it's about to be installed into.
func New(dispatcher Dispatcher, metrics *Metrics) *SessionManager {
	if metrics == nil {
		metrics = NewMetrics(false, nil)
	}
	return &SessionManager{
		sessions:   make(map[hostapi.SessionHandle]*entry),
		queue:      make(chan PendingRequest, queueCapacity),
		dispatcher: dispatcher,
		Metrics:    metrics,
		log:        log.New(os.Stderr, "sessionmgr: ", log.LstdFlags),
	}
}

// SetDispatcher installs or replaces the dispatcher. Not safe to call
// concurrently with Run processing a request.
func (m *SessionManager) SetDispatcher(d Dispatcher) {
	m.dispatcher = d
}

// CreateSession allocates a new Session for handle with refcount 1 and
// inserts it into the map. Returns an error if handle is already known.
func (m *SessionManager) CreateSession(handle hostapi.SessionHandle) (*media.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[handle]; exists {
		return nil, fmt.Errorf("sessionmgr: session %v already exists", handle)
	}
	s := media.NewSession(handle)
	m.sessions[handle] = &entry{session: s, refs: 1}
	m.Metrics.sessionCreated()
	return s, nil
}

// Acquire looks up handle and returns its session along with a release
// function the caller must call exactly once when done. This mirrors
// the map-mutex-then-reference-then-unmutex sequence the concurrency
// model calls for: the map mutex is held only long enough to find the
// session and bump its refcount.
func (m *SessionManager) Acquire(handle hostapi.SessionHandle) (*media.Session, func(), bool) {
	m.mu.Lock()
	e, ok := m.sessions[handle]
	if !ok {
		m.mu.Unlock()
		return nil, func() {}, false
	}
	e.refs++
	m.mu.Unlock()

	release := func() { m.release(handle) }
	return e.session, release, true
}

func (m *SessionManager) release(handle hostapi.SessionHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[handle]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.sessions, handle)
		m.Metrics.sessionRemoved()
	}
}

// DestroySession marks the session destroyed, wakes its relay loop so
// it observes the flag and exits, and drops the map's own reference.
// The session is removed from the map once every outstanding Acquire
// has been released and the relay goroutine has returned — the caller
// that launches a session's Relay is expected to Acquire it first and
// release it only after Relay.Run returns, so the map keeps the
// session alive for as long as the relay loop still touches it.
func (m *SessionManager) DestroySession(handle hostapi.SessionHandle) error {
	m.mu.Lock()
	e, ok := m.sessions[handle]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("sessionmgr: session %v not found", handle)
	}

	e.session.Lock()
	e.session.Media.Destroyed = true
	e.session.Unlock()
	e.session.Media.SignalWake()

	m.release(handle)
	return nil
}

// Count reports the number of sessions currently tracked.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Enqueue hands req to the worker's FIFO queue. It reports false,
// leaving req undelivered, when the queue is saturated — the caller
// (the host's handle_message downcall) should surface this as
// "rejected".
func (m *SessionManager) Enqueue(req PendingRequest) bool {
	select {
	case m.queue <- req:
		return true
	default:
		return false
	}
}

// Run drains the request queue until ctx is cancelled, dispatching each
// PendingRequest to the installed Dispatcher. Exactly one Run call
// should be active at a time — this is the "single worker" the ordering
// guarantee depends on.
func (m *SessionManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.queue:
			if m.dispatcher == nil {
				m.log.Printf("no dispatcher installed, dropping request for %v", req.Handle)
				continue
			}
			m.dispatcher.Dispatch(ctx, m, req)
		}
	}
}
