package socket

import (
	"testing"

	"github.com/jaglee/fsp-lls/internal/wire"
)

func TestInitiatorHandshakeHappyPath(t *testing.T) {
	f := NewFSM(NonExistent)

	a, err := f.OnConnectCommand()
	if err != nil {
		t.Fatalf("OnConnectCommand returned error: %v", err)
	}
	if f.State() != ConnectBootstrap || !a.HasEmit || a.Emit != wire.InitConnect {
		t.Fatalf("unexpected state/action after OnConnectCommand: %v %+v", f.State(), a)
	}

	a, err = f.OnAckInitConnect()
	if err != nil {
		t.Fatalf("OnAckInitConnect returned error: %v", err)
	}
	if f.State() != ConnectAffirming || a.Emit != wire.ConnectRequest {
		t.Fatalf("unexpected state/action after OnAckInitConnect: %v %+v", f.State(), a)
	}

	if _, err := f.OnAckConnectReq(); err != nil {
		t.Fatalf("OnAckConnectReq returned error: %v", err)
	}
	if f.State() != Established {
		t.Fatalf("expected ESTABLISHED, got %v", f.State())
	}
}

func TestResponderHandshakeHappyPath(t *testing.T) {
	listener := NewFSM(Listening)
	if _, err := listener.OnInitConnect(); err != nil {
		t.Fatalf("OnInitConnect returned error: %v", err)
	}
	if listener.State() != Listening {
		t.Fatalf("listener must remain LISTENING after stateless ACK_INIT_CONNECT")
	}

	child := NewFSM(NonExistent)
	if _, err := child.OnConnectRequest(); err != nil {
		t.Fatalf("OnConnectRequest returned error: %v", err)
	}
	if child.State() != Challenging {
		t.Fatalf("expected CHALLENGING, got %v", child.State())
	}

	a, err := child.OnAcceptCommand()
	if err != nil {
		t.Fatalf("OnAcceptCommand returned error: %v", err)
	}
	if child.State() != Established || a.Emit != wire.AckConnectReq {
		t.Fatalf("unexpected state/action after OnAcceptCommand: %v %+v", child.State(), a)
	}
}

func TestWrongStateTransitionRejected(t *testing.T) {
	f := NewFSM(Established)
	if _, err := f.OnConnectCommand(); err == nil {
		t.Fatalf("expected error connecting an already-established socket")
	}
	if f.State() != Established {
		t.Fatalf("failed transition must not mutate state, got %v", f.State())
	}
}

func TestCommitSequenceLocalFirst(t *testing.T) {
	f := NewFSM(Established)
	if _, err := f.OnLocalCommit(); err != nil {
		t.Fatalf("OnLocalCommit returned error: %v", err)
	}
	if f.State() != Committing {
		t.Fatalf("expected COMMITTING, got %v", f.State())
	}

	a, err := f.OnPeerEndOfTransaction()
	if err != nil {
		t.Fatalf("OnPeerEndOfTransaction returned error: %v", err)
	}
	if f.State() != Committing2 || a.Notify != NotifyToCommit {
		t.Fatalf("unexpected state/action: %v %+v", f.State(), a)
	}

	if _, err := f.OnBothCommitsAcked(); err != nil {
		t.Fatalf("OnBothCommitsAcked returned error: %v", err)
	}
	if f.State() != Closable {
		t.Fatalf("expected CLOSABLE, got %v", f.State())
	}
}

func TestCommitSequencePeerFirst(t *testing.T) {
	f := NewFSM(Established)
	if _, err := f.OnPeerEndOfTransaction(); err != nil {
		t.Fatalf("OnPeerEndOfTransaction returned error: %v", err)
	}
	if f.State() != PeerCommit {
		t.Fatalf("expected PEER_COMMIT, got %v", f.State())
	}

	if _, err := f.OnLocalCommit(); err != nil {
		t.Fatalf("OnLocalCommit returned error: %v", err)
	}
	if f.State() != Committing2 {
		t.Fatalf("expected COMMITTING2, got %v", f.State())
	}
}

func TestGracefulClose(t *testing.T) {
	f := NewFSM(Closable)
	a, err := f.OnShutdownCommand()
	if err != nil {
		t.Fatalf("OnShutdownCommand returned error: %v", err)
	}
	if f.State() != PreClosed || a.Emit != wire.Release {
		t.Fatalf("unexpected state/action: %v %+v", f.State(), a)
	}
	if _, err := f.OnReleaseAcked(); err != nil {
		t.Fatalf("OnReleaseAcked returned error: %v", err)
	}
	if f.State() != Closed {
		t.Fatalf("expected CLOSED, got %v", f.State())
	}
}

func TestResetAlwaysTerminates(t *testing.T) {
	for _, s := range []State{Listening, ConnectBootstrap, Challenging, Established, Committing, Closable, Cloning} {
		f := NewFSM(s)
		a := f.OnReset()
		if f.State() != NonExistent {
			t.Fatalf("RESET from %v must land on NON_EXISTENT, got %v", s, f.State())
		}
		if a.Notify != NotifyReset {
			t.Fatalf("RESET must notify NotifyReset, got %+v", a)
		}
	}
}

func TestMultiplyRoundTrip(t *testing.T) {
	parent := NewFSM(Established)
	a, err := parent.OnMultiplyInitiate()
	if err != nil {
		t.Fatalf("OnMultiplyInitiate returned error: %v", err)
	}
	if parent.State() != Cloning || a.Emit != wire.Multiply {
		t.Fatalf("unexpected state/action: %v %+v", parent.State(), a)
	}
	if _, err := parent.OnMultiplyAccepted(); err != nil {
		t.Fatalf("OnMultiplyAccepted returned error: %v", err)
	}
	if parent.State() != Established {
		t.Fatalf("expected ESTABLISHED after clone completes, got %v", parent.State())
	}

	child := NewFSM(NonExistent)
	if _, err := child.OnMultiplyAccepted(); err != nil {
		t.Fatalf("responder-side OnMultiplyAccepted returned error: %v", err)
	}
	if child.State() != Established {
		t.Fatalf("expected new child socket ESTABLISHED, got %v", child.State())
	}
}

func TestTimeoutDropsTransientStatesToNonExistent(t *testing.T) {
	for _, s := range []State{ConnectBootstrap, ConnectAffirming, Challenging, Committing, Committing2, PreClosed, Cloning} {
		f := NewFSM(s)
		f.OnTimeout()
		if f.State() != NonExistent {
			t.Fatalf("timeout from transient state %v must land on NON_EXISTENT, got %v", s, f.State())
		}
	}
}

func TestTimeoutDropsResumingAndQuasiActiveToClosed(t *testing.T) {
	for _, s := range []State{Resuming, QuasiActive} {
		f := NewFSM(s)
		f.OnTimeout()
		if f.State() != Closed {
			t.Fatalf("timeout from %v must land on CLOSED, got %v", s, f.State())
		}
	}
}

func TestTimeoutOnDataStateDropsToNonExistent(t *testing.T) {
	f := NewFSM(Established)
	f.OnTimeout()
	if f.State() != NonExistent {
		t.Fatalf("timeout from ESTABLISHED must land on NON_EXISTENT, got %v", f.State())
	}
}

func TestStateStringUnknown(t *testing.T) {
	var s State = 200
	if s.String() != "UNKNOWN_STATE" {
		t.Fatalf("expected UNKNOWN_STATE, got %q", s.String())
	}
}

func TestCommitAckedPaths(t *testing.T) {
	f := NewFSM(Committing)
	if _, err := f.OnCommitAcked(); err != nil {
		t.Fatalf("OnCommitAcked returned error: %v", err)
	}
	if f.State() != Committed {
		t.Fatalf("expected COMMITTED, got %v", f.State())
	}

	a, err := f.OnPeerEndOfTransaction()
	if err != nil {
		t.Fatalf("OnPeerEndOfTransaction returned error: %v", err)
	}
	if f.State() != Closable || a.Notify != NotifyToCommit {
		t.Fatalf("expected CLOSABLE with NotifyToCommit, got %v %+v", f.State(), a)
	}
}

func TestCommitting2AckedReachesClosable(t *testing.T) {
	f := NewFSM(Committing2)
	if _, err := f.OnCommitAcked(); err != nil {
		t.Fatalf("OnCommitAcked returned error: %v", err)
	}
	if f.State() != Closable {
		t.Fatalf("expected CLOSABLE, got %v", f.State())
	}
}

func TestReleaseReceivedInClosableAnswersAndCloses(t *testing.T) {
	f := NewFSM(Closable)
	a, err := f.OnReleaseReceived()
	if err != nil {
		t.Fatalf("OnReleaseReceived returned error: %v", err)
	}
	if f.State() != Closed || a.Emit != wire.Release {
		t.Fatalf("expected CLOSED emitting RELEASE, got %v %+v", f.State(), a)
	}
}

func TestReleaseReceivedActsAsAckInPreClosed(t *testing.T) {
	f := NewFSM(PreClosed)
	a, err := f.OnReleaseReceived()
	if err != nil {
		t.Fatalf("OnReleaseReceived returned error: %v", err)
	}
	if f.State() != Closed || a.HasEmit {
		t.Fatalf("expected silent CLOSED, got %v %+v", f.State(), a)
	}
}

func TestResumeRoundTrip(t *testing.T) {
	active := NewFSM(Closed)
	a, err := active.OnResumeCommand()
	if err != nil {
		t.Fatalf("OnResumeCommand returned error: %v", err)
	}
	if active.State() != Resuming || a.Emit != wire.Persist {
		t.Fatalf("expected RESUMING emitting PERSIST, got %v %+v", active.State(), a)
	}

	passive := NewFSM(Closed)
	if _, err := passive.OnPeerResume(); err != nil {
		t.Fatalf("OnPeerResume returned error: %v", err)
	}
	if passive.State() != QuasiActive {
		t.Fatalf("expected QUASI_ACTIVE, got %v", passive.State())
	}

	for _, f := range []*FSM{active, passive} {
		if _, err := f.OnResumeConfirmed(); err != nil {
			t.Fatalf("OnResumeConfirmed returned error: %v", err)
		}
		if f.State() != Established {
			t.Fatalf("expected ESTABLISHED, got %v", f.State())
		}
	}
}
