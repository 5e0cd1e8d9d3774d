// Package dispatch implements ULA command handling: the bounded-wait
// mutex discipline each command acquires before touching a socket, and
// the opcode-to-method dispatch table routing each command to its
// Socket Item.
package dispatch

import (
	"time"

	"github.com/pkg/errors"

	"github.com/jaglee/fsp-lls/internal/socket"
	"github.com/jaglee/fsp-lls/internal/table"
)

// ErrLockTimeout is returned when a command could not acquire the
// socket's mutex within MaxLockWait; contention above the ceiling
// fails the operation rather than wedging the caller.
var ErrLockTimeout = errors.New("dispatch: timed out waiting for socket mutex")

// ErrResetPending is returned when a command targets a socket already
// marked for reset.
var ErrResetPending = errors.New("dispatch: socket is reset-pending")

// MaxLockWait bounds how long a command spins for a socket's mutex
// before giving up.
const MaxLockWait = 50 * time.Millisecond

const lockPollInterval = 200 * time.Microsecond

// Handle wraps one TLB Item with the reset-pending flag and mutex
// discipline every command acquires before mutating its FSM or Control
// Block. The ICC lives on the Item itself; the handshake may replace
// it as the peer's session ALFID becomes known.
type Handle struct {
	Item         *table.Item
	Pacer        *socket.Pacer
	resetPending bool
}

// NewHandle wraps a freshly allocated table.Item for command dispatch.
// Pacer is left nil (unlimited) until the caller sets one.
func NewHandle(it *table.Item) *Handle { return &Handle{Item: it} }

// withMutex acquires the Control Block's mutex with a bounded spin-
// wait, matching WaitUseMutex/SetMutexFree's ceiling, runs fn, then
// releases it. It returns ErrLockTimeout if the ceiling is reached and
// ErrResetPending if the socket was marked reset-pending while waiting.
func (h *Handle) withMutex(fn func() (Action, error)) (Action, error) {
	deadline := time.Now().Add(MaxLockWait)
	for {
		if h.Item.CB.Mu.TryLock() {
			break
		}
		if time.Now().After(deadline) {
			return Action{}, errors.WithStack(ErrLockTimeout)
		}
		time.Sleep(lockPollInterval)
	}
	defer h.Item.CB.Mu.Unlock()

	if h.resetPending {
		return Action{}, errors.WithStack(ErrResetPending)
	}
	return fn()
}

// Action is the side effect a dispatched command asks its caller
// (internal/iface, via the daemon's wiring) to perform: emit a packet,
// raise a ULA notice, or both — reusing internal/socket's FSM Action
// shape so callers don't juggle two similar types.
type Action = socket.Action

// Listen drives NON_EXISTENT -> LISTENING on the target handle.
func (h *Handle) Listen() (Action, error) {
	return h.withMutex(func() (Action, error) { return h.Item.FSM.OnListenCommand() })
}

// Connect drives NON_EXISTENT -> CONNECT_BOOTSTRAP, emitting
// INIT_CONNECT.
func (h *Handle) Connect() (Action, error) {
	return h.withMutex(func() (Action, error) { return h.Item.FSM.OnConnectCommand() })
}

// Accept drives CHALLENGING -> ESTABLISHED on a freshly arrived child
// socket, emitting ACK_CONNECT_REQ.
func (h *Handle) Accept() (Action, error) {
	return h.withMutex(func() (Action, error) { return h.Item.FSM.OnAcceptCommand() })
}

// Send reserves a send-buffer slot for a ULA-produced payload,
// scheduling its emission from the send ring.
func (h *Handle) Send(opcode uint8, payload []byte) (seq uint32, err error) {
	if !h.Pacer.Allow(len(payload)) {
		return 0, errors.New("dispatch: send exceeds configured pacing rate")
	}
	_, err = h.withMutex(func() (Action, error) {
		var innerErr error
		seq, innerErr = h.Item.CB.ReserveSendSlot(opcode, payload)
		return Action{}, innerErr
	})
	return seq, err
}

// Commit marks the send ring's tail with EndOfTransaction and drives
// the FSM's local-commit transition. The caller makes sure at least
// one keep-alive or NACK goes out afterwards.
func (h *Handle) Commit() (Action, error) {
	return h.withMutex(func() (Action, error) {
		if err := h.Item.CB.MarkEndOfTransaction(); err != nil {
			return Action{}, err
		}
		return h.Item.FSM.OnLocalCommit()
	})
}

// Shutdown drives CLOSABLE -> PRE_CLOSED, emitting RELEASE.
func (h *Handle) Shutdown() (Action, error) {
	return h.withMutex(func() (Action, error) { return h.Item.FSM.OnShutdownCommand() })
}

// Multiply drives a clone socket, created in its established parent's
// state, into CLONING and emits MULTIPLY: cloning a session with a
// derived key for forking or mobility-class fast reconnect. The caller
// derives the child key (crypto.DeriveNextKey) and allocates the
// child's ALFID/TLB entry, then calls this on the child's handle; the
// parent's state is left unchanged.
func (h *Handle) Multiply() (Action, error) {
	return h.withMutex(func() (Action, error) { return h.Item.FSM.OnMultiplyInitiate() })
}

// InstallKey rotates the ICC context: promotes current -> previous and
// installs a newly derived key.
func (h *Handle) InstallKey(key []byte, keyLife uint64, nextSendSN, nextRecvSN uint32, noEncrypt bool) error {
	_, err := h.withMutex(func() (Action, error) {
		if h.Item.ICC == nil {
			return Action{}, errors.New("dispatch: no ICC context to rotate")
		}
		return Action{}, h.Item.ICC.InstallKey(key, keyLife, nextSendSN, nextRecvSN, noEncrypt)
	})
	return err
}

// AdRecvWindowKind selects which packet AdRecvWindow emits.
type AdRecvWindowKind uint8

const (
	AdRecvWindowKeepAlive AdRecvWindowKind = iota
	AdRecvWindowAckFlush
)

// AdRecvWindow advertises the current receive window: ACK_FLUSH in a
// commit-received state, KEEP_ALIVE otherwise.
func (h *Handle) AdRecvWindow() (AdRecvWindowKind, error) {
	var kind AdRecvWindowKind
	_, err := h.withMutex(func() (Action, error) {
		switch h.Item.FSM.State() {
		case socket.PeerCommit, socket.Committing2, socket.Closable:
			kind = AdRecvWindowAckFlush
		default:
			kind = AdRecvWindowKeepAlive
		}
		return Action{}, nil
	})
	return kind, err
}

// Reject marks the socket reset-pending and resets its FSM, the
// operator-initiated hard teardown.
func (h *Handle) Reject() Action {
	h.Item.CB.Mu.Lock()
	defer h.Item.CB.Mu.Unlock()
	h.resetPending = true
	return h.Item.FSM.OnReset()
}

// Recycle clears the reset-pending flag and reports whether the socket
// is now eligible for the caller to return to the TLB's free list
// (i.e. its FSM has reached CLOSED or NON_EXISTENT).
func (h *Handle) Recycle() bool {
	h.Item.CB.Mu.Lock()
	defer h.Item.CB.Mu.Unlock()
	h.resetPending = false
	s := h.Item.FSM.State()
	return s == socket.Closed || s == socket.NonExistent
}

// HandleFatal transitions the socket to NON_EXISTENT and reports a
// reset notice for a fatal condition encountered outside a command
// (e.g. ErrMemoryCorruption).
func (h *Handle) HandleFatal() Action {
	h.Item.CB.Mu.Lock()
	defer h.Item.CB.Mu.Unlock()
	return h.Item.FSM.OnReset()
}
