// Package notice implements the small enum of notices LLS raises to
// ULA and the queue that carries them.
package notice

import (
	"sync"

	"github.com/rs/xid"

	"github.com/jaglee/fsp-lls/internal/socket"
)

// Code re-exports internal/socket's NoticeCode enum so callers outside
// the socket package don't need to import it just to name a notice.
type Code = socket.NoticeCode

const (
	Timeout              = socket.NotifyTimeout
	Reset                = socket.NotifyReset
	DataReady            = socket.NotifyDataReady
	ToCommit             = socket.NotifyToCommit
	Listening            = socket.NotifyListening
	IPCCannotReturn      = socket.IPCCannotReturn
	MemoryCorruption     = socket.MemoryCorruption
	NameResolutionFailed = socket.NotifyNameResolutionFailed
)

func (n Notice) String() string {
	switch n.Code {
	case Timeout:
		return "FSP_NotifyTimeout"
	case Reset:
		return "FSP_NotifyReset"
	case DataReady:
		return "FSP_NotifyDataReady"
	case ToCommit:
		return "FSP_NotifyToCommit"
	case Listening:
		return "FSP_NotifyListening"
	case IPCCannotReturn:
		return "FSP_IPC_CannotReturn"
	case MemoryCorruption:
		return "FSP_MemoryCorruption"
	case NameResolutionFailed:
		return "FSP_NotifyNameResolutionFailed"
	default:
		return "FSP_NotifyUnknown"
	}
}

// Notice is one queued event: which socket it concerns (by near-end
// ALFID) and which code fired. ID is a correlation id for tying a
// logged notice back to whatever log lines LLS emitted while handling
// it; it carries no wire meaning.
type Notice struct {
	ALFID uint32
	Code  Code
	ID    xid.ID
}

// Queue is the per-process ULA notice queue. The cross-process
// event/pipe transport that would carry these in a split ULA/LLS
// deployment sits above this API; here it is a buffered channel the
// ULA-facing side drains.
type Queue struct {
	mu     sync.Mutex
	ch     chan Notice
	closed bool
}

// NewQueue creates a notice queue with the given buffer depth.
func NewQueue(depth int) *Queue {
	return &Queue{ch: make(chan Notice, depth)}
}

// Post enqueues a notice, dropping it if the queue is full rather than
// blocking the socket mutex that's posting it — a full notice queue
// means ULA has stopped draining it; LLS must not wedge on a slow or
// dead peer. A post after Close is likewise dropped: timer callbacks
// may straggle past daemon shutdown.
func (q *Queue) Post(alfid uint32, code Code) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- Notice{ALFID: alfid, Code: code, ID: xid.New()}:
	default:
	}
}

// Next blocks until a notice is available or ch is closed externally
// via Close.
func (q *Queue) Next() (Notice, bool) {
	n, ok := <-q.ch
	return n, ok
}

// Close shuts down the queue; a subsequent Next returns ok=false once
// drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
