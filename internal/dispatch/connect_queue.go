package dispatch

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrConnectQueueFull is returned when every pending-connect slot is
// owned by an unresolved Connect.
var ErrConnectQueueFull = errors.New("dispatch: connect request queue full")

// ConnectRequest is one pending outbound connect: the near-end ALFID
// assigned to it and the remote endpoint the ULA named.
type ConnectRequest struct {
	ALFID      uint32
	RemoteHost string
	RemoteFID  uint32
	inUse      bool
}

// ConnectRequestQueue is the fixed-capacity ring of pending outbound
// connects. A slot's index is owned from Acquire until the connect
// resolves (Release), so an ACK_INIT_CONNECT arriving late can still
// find its originating request by index.
type ConnectRequestQueue struct {
	mu    sync.Mutex
	slots []ConnectRequest
	hint  int // next slot to probe, keeps allocation roughly circular
}

// NewConnectRequestQueue creates a queue with the given capacity.
func NewConnectRequestQueue(capacity int) *ConnectRequestQueue {
	return &ConnectRequestQueue{slots: make([]ConnectRequest, capacity)}
}

// Acquire claims a free slot for a pending connect and returns its
// index.
func (q *ConnectRequestQueue) Acquire(alfid uint32, remoteHost string, remoteFID uint32) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < len(q.slots); i++ {
		idx := (q.hint + i) % len(q.slots)
		if q.slots[idx].inUse {
			continue
		}
		q.slots[idx] = ConnectRequest{ALFID: alfid, RemoteHost: remoteHost, RemoteFID: remoteFID, inUse: true}
		q.hint = (idx + 1) % len(q.slots)
		return idx, nil
	}
	return 0, errors.WithStack(ErrConnectQueueFull)
}

// Get returns the pending request at idx, if the slot is owned.
func (q *ConnectRequestQueue) Get(idx int) (ConnectRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx < 0 || idx >= len(q.slots) || !q.slots[idx].inUse {
		return ConnectRequest{}, false
	}
	return q.slots[idx], true
}

// FindByALFID locates the pending request owned by the given near-end
// ALFID, the lookup the daemon uses to release a slot when
// ACK_CONNECT_REQ completes the handshake or the socket is torn down.
func (q *ConnectRequestQueue) FindByALFID(alfid uint32) (int, ConnectRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.slots {
		if q.slots[i].inUse && q.slots[i].ALFID == alfid {
			return i, q.slots[i], true
		}
	}
	return 0, ConnectRequest{}, false
}

// Release returns a slot to the pool once its connect resolved (either
// into an established session or a failure notice).
func (q *ConnectRequestQueue) Release(idx int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx >= 0 && idx < len(q.slots) {
		q.slots[idx] = ConnectRequest{}
	}
}
