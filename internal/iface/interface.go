// Package iface implements the Lower Interface: the set of bound
// sockets (one per physical interface, plus one send socket), the
// receive loop that dispatches inbound datagrams by destination ALFID,
// packet emission, and OS address-change watching.
//
// Each BoundSocket runs its own read goroutine, all funneling into one
// shared Dispatcher — N reader goroutines stand in for a select(2)
// multiplexer over N file descriptors, which the net package does not
// expose.
package iface

import (
	"context"
	"encoding/binary"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv6"

	"github.com/jaglee/fsp-lls/internal/wire"
)

// MaxDatagramSize bounds a single read: wire.MaxLLSBlockSize plus room
// for the 8-byte UDP/IPv4 ALFID-pair prefix.
const MaxDatagramSize = wire.MaxLLSBlockSize + 8

// TunnelPrefixSize is the 8-byte (sourceALFID, peerALFID) prefix
// preceding the fixed header in UDP/IPv4 encapsulation.
const TunnelPrefixSize = 8

// Frame is one inbound datagram handed from a BoundSocket's read loop
// to the Dispatcher, carrying the ancillary source-address metadata
// the mobility layer keeps in its sentinel slot. Data starts at the
// fixed header; any tunnel prefix has been stripped.
type Frame struct {
	Data        []byte
	Source      net.Addr
	LocalALFID  uint32 // destination ALFID from the IPv6 address or UDP/IPv4 prefix
	RemoteALFID uint32 // sender's ALFID, when the encapsulation carries one
}

// Encapsulate prepends the UDP/IPv4 tunnel's ALFID-pair prefix to a
// fully-built packet.
func Encapsulate(srcALFID, peerALFID uint32, pkt []byte) []byte {
	out := make([]byte, TunnelPrefixSize+len(pkt))
	binary.BigEndian.PutUint32(out[0:4], srcALFID)
	binary.BigEndian.PutUint32(out[4:8], peerALFID)
	copy(out[TunnelPrefixSize:], pkt)
	return out
}

// Dispatcher receives decoded Frames from every BoundSocket. The
// cmd/fsplls daemon implements it; it is kept as a narrow interface
// here so this package never imports the table or socket packages.
type Dispatcher interface {
	Dispatch(f Frame)
	ReadError(err error)
}

// BoundSocket owns one underlying net.PacketConn — either a listening
// socket for one physical interface's address, or the single send
// socket — and the goroutine reading it.
type BoundSocket struct {
	Addr   net.Addr
	conn   net.PacketConn
	pc6    *ipv6.PacketConn // non-nil when conn carries IPv6 ancillary data
	tunnel bool             // UDP/IPv4: datagrams carry the ALFID-pair prefix
}

// NewBoundSocket wraps conn, attempting to enable IPv6 packet-info
// ancillary data (source/destination address per datagram), needed to
// resolve ALFIDs from addresses when running directly over IPv6 rather
// than the UDP/IPv4 tunnel.
func NewBoundSocket(conn net.PacketConn) *BoundSocket {
	bs := &BoundSocket{Addr: conn.LocalAddr(), conn: conn}
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if udpAddr.IP.To4() != nil {
			bs.tunnel = true
			enableIPv4PktInfo(conn)
		} else {
			pc6 := ipv6.NewPacketConn(conn)
			if err := pc6.SetControlMessage(ipv6.FlagDst|ipv6.FlagSrc, true); err == nil {
				bs.pc6 = pc6
			}
		}
		enableReusePort(conn)
	}
	return bs
}

// Close closes the underlying connection, ending its read loop.
func (bs *BoundSocket) Close() error { return bs.conn.Close() }

// Run is the per-socket receive loop: read one datagram, decode its
// destination ALFID, and hand it to the dispatcher. Oversize and
// malformed packets are dropped silently.
func (bs *BoundSocket) Run(ctx context.Context, d Dispatcher) {
	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, cm, addr, err := bs.readFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			d.ReadError(errors.WithStack(err))
			return
		}

		data := buf[:n]
		var localALFID, remoteALFID uint32
		if bs.tunnel {
			if n < TunnelPrefixSize+wire.FixedHeaderSize {
				continue // malformed: dropped silently
			}
			remoteALFID = binary.BigEndian.Uint32(data[0:4])
			localALFID = binary.BigEndian.Uint32(data[4:8])
			data = data[TunnelPrefixSize:]
		} else {
			if n < wire.FixedHeaderSize {
				continue
			}
			localALFID = destinationALFID(cm)
			remoteALFID = sourceALFID(cm)
		}

		var h wire.Header
		if err := h.Decode(data); err != nil {
			continue // malformed: dropped silently
		}

		frame := Frame{
			Data:        append([]byte(nil), data...),
			Source:      addr,
			LocalALFID:  localALFID,
			RemoteALFID: remoteALFID,
		}
		d.Dispatch(frame)
	}
}

// destinationALFID resolves the near-end ALFID a packet arrived on
// from its IPv6 destination address's low 32 bits — over native IPv6
// the last 32 bits of the address carry the destination ALFID.
// It returns 0 when no ancillary destination address is available;
// tunnel-mode sockets resolve the ALFID from the datagram prefix in
// Run instead.
func destinationALFID(cm *ipv6.ControlMessage) uint32 {
	if cm == nil || len(cm.Dst) < 16 {
		return 0
	}
	return binary.BigEndian.Uint32(cm.Dst[12:16])
}

// sourceALFID mirrors destinationALFID for the sender's end of the
// association.
func sourceALFID(cm *ipv6.ControlMessage) uint32 {
	if cm == nil || len(cm.Src) < 16 {
		return 0
	}
	return binary.BigEndian.Uint32(cm.Src[12:16])
}

func (bs *BoundSocket) readFrom(buf []byte) (n int, cm *ipv6.ControlMessage, addr net.Addr, err error) {
	if bs.pc6 != nil {
		n, cm, addr, err = bs.pc6.ReadFrom(buf)
		return
	}
	n, addr, err = bs.conn.ReadFrom(buf)
	return
}

// SendTo writes a fully-built packet to addr.
func (bs *BoundSocket) SendTo(payload []byte, addr net.Addr) error {
	_, err := bs.conn.WriteTo(payload, addr)
	return errors.Wrap(err, "iface: send failed")
}

// LowerInterface owns every BoundSocket — one listening socket per
// discovered local address, plus the dedicated send socket — and runs
// their receive loops.
type LowerInterface struct {
	mu       sync.RWMutex
	bound    map[string]*BoundSocket // keyed by local address string
	sendSock *BoundSocket

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLowerInterface creates an empty LowerInterface; call Bind for
// each discovered local address and SetSendSocket once.
func NewLowerInterface() *LowerInterface {
	return &LowerInterface{bound: make(map[string]*BoundSocket)}
}

// Bind registers and starts the receive loop for a listening socket.
func (li *LowerInterface) Bind(ctx context.Context, conn net.PacketConn, d Dispatcher) *BoundSocket {
	bs := NewBoundSocket(conn)
	li.mu.Lock()
	li.bound[bs.Addr.String()] = bs
	li.mu.Unlock()

	li.wg.Add(1)
	go func() {
		defer li.wg.Done()
		bs.Run(ctx, d)
	}()
	return bs
}

// SetSendSocket installs the dedicated outbound socket Send uses when
// it is given no via address, or one with no bound socket. It runs a
// receive loop of its own: peers reply to the source port a datagram
// left from, and those replies must reach the dispatcher too.
func (li *LowerInterface) SetSendSocket(ctx context.Context, conn net.PacketConn, d Dispatcher) *BoundSocket {
	bs := NewBoundSocket(conn)
	li.mu.Lock()
	li.sendSock = bs
	li.mu.Unlock()

	li.wg.Add(1)
	go func() {
		defer li.wg.Done()
		bs.Run(ctx, d)
	}()
	return bs
}

// Unbind closes and removes a previously bound socket, an interface's
// address having disappeared.
func (li *LowerInterface) Unbind(addr string) {
	li.mu.Lock()
	bs, ok := li.bound[addr]
	delete(li.bound, addr)
	li.mu.Unlock()
	if ok {
		bs.Close()
	}
}

// Send picks the bound socket matching via's local address if present,
// falling back to the dedicated send socket, and writes payload to to.
func (li *LowerInterface) Send(via net.Addr, to net.Addr, payload []byte) error {
	li.mu.RLock()
	bs := li.sendSock
	if via != nil {
		if b, ok := li.bound[via.String()]; ok {
			bs = b
		}
	}
	li.mu.RUnlock()
	if bs == nil {
		return errors.New("iface: no socket available to send on")
	}
	return bs.SendTo(payload, to)
}

// Close shuts down every bound socket and the send socket.
func (li *LowerInterface) Close() {
	li.mu.Lock()
	for addr, bs := range li.bound {
		bs.Close()
		delete(li.bound, addr)
	}
	if li.sendSock != nil {
		li.sendSock.Close()
	}
	li.mu.Unlock()
	li.wg.Wait()
}
