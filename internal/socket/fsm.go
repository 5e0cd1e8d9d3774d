package socket

import "github.com/jaglee/fsp-lls/internal/wire"

// State is one of the Socket Item lifecycle states.
type State uint8

const (
	NonExistent State = iota
	Listening
	ConnectBootstrap
	ConnectAffirming
	Challenging
	Established
	Committing
	Committing2
	PeerCommit
	Committed
	Closable
	PreClosed
	Closed
	Cloning
	Resuming
	QuasiActive
)

func (s State) String() string {
	names := [...]string{
		"NON_EXISTENT", "LISTENING", "CONNECT_BOOTSTRAP", "CONNECT_AFFIRMING",
		"CHALLENGING", "ESTABLISHED", "COMMITTING", "COMMITTING2", "PEER_COMMIT",
		"COMMITTED", "CLOSABLE", "PRE_CLOSED", "CLOSED", "CLONING", "RESUMING",
		"QUASI_ACTIVE",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN_STATE"
}

// IsTransient reports whether s is one of the transient states the
// timer wheel subjects to the transient-state timeout rather than the
// data-state idle/session-life timeouts.
func (s State) IsTransient() bool {
	switch s {
	case ConnectBootstrap, ConnectAffirming, Challenging, Committing, Committing2,
		PreClosed, Cloning, Resuming, QuasiActive:
		return true
	default:
		return false
	}
}

// TransientTimeoutTarget returns the state a transient-state timeout
// drops to. RESUMING and QUASI_ACTIVE drop to CLOSED — there is
// already backing state worth preserving for a later resume — while
// every other transient state drops to NON_EXISTENT.
func (s State) TransientTimeoutTarget() State {
	switch s {
	case Resuming, QuasiActive:
		return Closed
	default:
		return NonExistent
	}
}

// FSM drives one Socket Item's state transitions. It holds no I/O of
// its own; callers (internal/dispatch, the Engine, cmd/fsplls) call its
// methods under the owning ControlBlock's mutex and act on the
// returned Action.
type FSM struct {
	state State
}

// NewFSM creates an FSM in the given initial state (NON_EXISTENT for a
// freshly reserved Socket Item, LISTENING for one bound by a Listen
// command).
func NewFSM(initial State) *FSM { return &FSM{state: initial} }

func (f *FSM) State() State { return f.state }

// Action tells the caller what side effect a transition requires: which
// packet (if any) to emit, and whether the ULA should be notified.
type Action struct {
	Emit               wire.Opcode
	Notify             NoticeCode
	HasEmit, HasNotify bool
}

func emit(op wire.Opcode) Action   { return Action{Emit: op, HasEmit: true} }
func notify(n NoticeCode) Action   { return Action{Notify: n, HasNotify: true} }
func noAction() Action             { return Action{} }

// NoticeCode is the small enum of notices LLS raises to ULA.
type NoticeCode uint8

const (
	NotifyTimeout NoticeCode = iota + 1
	NotifyReset
	NotifyDataReady
	NotifyToCommit
	NotifyListening
	IPCCannotReturn
	MemoryCorruption
	NotifyNameResolutionFailed
)

// OnConnectCommand drives NON_EXISTENT -> CONNECT_BOOTSTRAP on a ULA
// Connect command.
func (f *FSM) OnConnectCommand() (Action, error) {
	if f.state != NonExistent {
		return Action{}, errWrongState(f.state, NonExistent)
	}
	f.state = ConnectBootstrap
	return emit(wire.InitConnect), nil
}

// OnListenCommand drives NON_EXISTENT -> LISTENING.
func (f *FSM) OnListenCommand() (Action, error) {
	if f.state != NonExistent {
		return Action{}, errWrongState(f.state, NonExistent)
	}
	f.state = Listening
	return notify(NotifyListening), nil
}

// OnAckInitConnect drives CONNECT_BOOTSTRAP -> CONNECT_AFFIRMING upon
// receiving ACK_INIT_CONNECT with a cookie.
func (f *FSM) OnAckInitConnect() (Action, error) {
	if f.state != ConnectBootstrap {
		return Action{}, errWrongState(f.state, ConnectBootstrap)
	}
	f.state = ConnectAffirming
	return emit(wire.ConnectRequest), nil
}

// OnInitConnect is the responder's stateless reaction to an inbound
// INIT_CONNECT while LISTENING: it stays in LISTENING (no SCB is
// allocated yet) and emits ACK_INIT_CONNECT with a freshly issued
// cookie.
func (f *FSM) OnInitConnect() (Action, error) {
	if f.state != Listening {
		return Action{}, errWrongState(f.state, Listening)
	}
	return emit(wire.AckInitConnect), nil
}

// OnConnectRequest allocates a new SCB's FSM (the caller constructs a
// fresh FSM for the child) and drives it NON_EXISTENT -> CHALLENGING.
func (f *FSM) OnConnectRequest() (Action, error) {
	if f.state != NonExistent {
		return Action{}, errWrongState(f.state, NonExistent)
	}
	f.state = Challenging
	return noAction(), nil
}

// OnAcceptCommand drives CHALLENGING -> ESTABLISHED on a ULA Accept
// command, emitting ACK_CONNECT_REQ.
func (f *FSM) OnAcceptCommand() (Action, error) {
	if f.state != Challenging {
		return Action{}, errWrongState(f.state, Challenging)
	}
	f.state = Established
	return emit(wire.AckConnectReq), nil
}

// OnAckConnectReq completes the initiator's handshake: CONNECT_AFFIRMING
// -> ESTABLISHED.
func (f *FSM) OnAckConnectReq() (Action, error) {
	if f.state != ConnectAffirming {
		return Action{}, errWrongState(f.state, ConnectAffirming)
	}
	f.state = Established
	return noAction(), nil
}

// OnLocalCommit handles a ULA Commit command: marks the transaction
// boundary and moves ESTABLISHED -> COMMITTING (or, if the peer already
// committed, PEER_COMMIT -> COMMITTING2).
func (f *FSM) OnLocalCommit() (Action, error) {
	switch f.state {
	case Established:
		f.state = Committing
	case PeerCommit:
		f.state = Committing2
	default:
		return Action{}, errWrongState(f.state, Established, PeerCommit)
	}
	return noAction(), nil
}

// OnPeerEndOfTransaction handles receipt of a packet carrying the
// EndOfTransaction flag: ESTABLISHED -> PEER_COMMIT, COMMITTING ->
// COMMITTING2 if the local side had already committed, and COMMITTED ->
// CLOSABLE once the local commit was already acknowledged.
func (f *FSM) OnPeerEndOfTransaction() (Action, error) {
	switch f.state {
	case Established:
		f.state = PeerCommit
	case Committing:
		f.state = Committing2
	case Committed:
		f.state = Closable
	default:
		return Action{}, errWrongState(f.state, Established, Committing, Committed)
	}
	return notify(NotifyToCommit), nil
}

// OnCommitAcked handles the peer acknowledging the local commit (an
// ACK_FLUSH, or a SNACK covering the EoT-flagged packet): COMMITTING ->
// COMMITTED, or COMMITTING2 -> CLOSABLE when the peer's commit had
// already been seen.
func (f *FSM) OnCommitAcked() (Action, error) {
	switch f.state {
	case Committing:
		f.state = Committed
	case Committing2:
		f.state = Closable
	default:
		return Action{}, errWrongState(f.state, Committing, Committing2)
	}
	return noAction(), nil
}

// OnBothCommitsAcked transitions COMMITTING2 -> CLOSABLE once both the
// local commit and the peer's commit have been acknowledged.
func (f *FSM) OnBothCommitsAcked() (Action, error) {
	if f.state != Committing2 {
		return Action{}, errWrongState(f.state, Committing2)
	}
	f.state = Closable
	return noAction(), nil
}

// OnShutdownCommand drives a graceful close: CLOSABLE -> PRE_CLOSED,
// emitting RELEASE.
func (f *FSM) OnShutdownCommand() (Action, error) {
	if f.state != Closable {
		return Action{}, errWrongState(f.state, Closable)
	}
	f.state = PreClosed
	return emit(wire.Release), nil
}

// OnReleaseAcked completes the graceful close: PRE_CLOSED -> CLOSED.
func (f *FSM) OnReleaseAcked() (Action, error) {
	if f.state != PreClosed {
		return Action{}, errWrongState(f.state, PreClosed)
	}
	f.state = Closed
	return noAction(), nil
}

// OnReleaseReceived handles the peer's RELEASE: a socket still in
// CLOSABLE answers with its own RELEASE and closes; one already in
// PRE_CLOSED treats it as the acknowledgement of its own RELEASE.
func (f *FSM) OnReleaseReceived() (Action, error) {
	switch f.state {
	case Closable:
		f.state = Closed
		return emit(wire.Release), nil
	case PreClosed:
		f.state = Closed
		return noAction(), nil
	default:
		return Action{}, errWrongState(f.state, Closable, PreClosed)
	}
}

// OnResumeCommand reopens a gracefully closed session: CLOSED ->
// RESUMING, emitting PERSIST to re-probe the peer.
func (f *FSM) OnResumeCommand() (Action, error) {
	if f.state != Closed {
		return Action{}, errWrongState(f.state, Closed)
	}
	f.state = Resuming
	return emit(wire.Persist), nil
}

// OnPeerResume is the passive counterpart: a CLOSED socket receiving a
// validated PERSIST from its old peer moves to QUASI_ACTIVE awaiting
// the ULA's decision to serve it again.
func (f *FSM) OnPeerResume() (Action, error) {
	if f.state != Closed {
		return Action{}, errWrongState(f.state, Closed)
	}
	f.state = QuasiActive
	return notify(NotifyDataReady), nil
}

// OnResumeConfirmed lands a resuming socket (either side) back in
// ESTABLISHED once the round trip under the old session key completes.
func (f *FSM) OnResumeConfirmed() (Action, error) {
	if f.state != Resuming && f.state != QuasiActive {
		return Action{}, errWrongState(f.state, Resuming, QuasiActive)
	}
	f.state = Established
	return noAction(), nil
}

// OnReset accepts a RESET from the peer — valid from any state once
// the ICC validates, and always terminal: the socket ends in
// NON_EXISTENT.
func (f *FSM) OnReset() Action {
	f.state = NonExistent
	return notify(NotifyReset)
}

// OnMultiplyInitiate drives an established parent socket's clone into
// CLONING while it awaits the responder's PERSIST/NULCOMMIT.
func (f *FSM) OnMultiplyInitiate() (Action, error) {
	switch f.state {
	case Established, Committed, PeerCommit:
		f.state = Cloning
	default:
		return Action{}, errWrongState(f.state, Established, Committed, PeerCommit)
	}
	return emit(wire.Multiply), nil
}

// OnMultiplyAccepted completes a MULTIPLY on the responder side's new
// child SCB, landing it directly in ESTABLISHED once it replies with
// PERSIST or NULCOMMIT, and likewise completes it on the initiator's
// CLONING socket once that reply arrives.
func (f *FSM) OnMultiplyAccepted() (Action, error) {
	if f.state != Cloning && f.state != NonExistent {
		return Action{}, errWrongState(f.state, Cloning, NonExistent)
	}
	f.state = Established
	return noAction(), nil
}

// OnTimeout applies the timer wheel's verdict for a timed-out socket
// per the per-state timeout table.
func (f *FSM) OnTimeout() Action {
	if f.state.IsTransient() {
		f.state = f.state.TransientTimeoutTarget()
	} else {
		f.state = NonExistent
	}
	return notify(NotifyTimeout)
}

func errWrongState(got State, want ...State) error {
	return &WrongStateError{Got: got, Want: want}
}

// WrongStateError reports an FSM transition attempted from a state that
// doesn't permit it.
type WrongStateError struct {
	Got  State
	Want []State
}

func (e *WrongStateError) Error() string {
	msg := "socket: invalid transition from " + e.Got.String() + ", want one of ["
	for i, s := range e.Want {
		if i > 0 {
			msg += ", "
		}
		msg += s.String()
	}
	return msg + "]"
}
