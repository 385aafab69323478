// Package portalloc implements a process-wide even/odd UDP port-pair
// allocator: RTP always lands on an even port, RTCP on the next odd
// one, and a shared cursor advances across calls so a busy range is
// scanned at most once per allocation attempt.
package portalloc

import (
	"fmt"
	"net"
	"sync"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"golang.org/x/sys/unix"
)

// Family selects the address family every socket in the process binds
// with. The bridge never listens dual-stack: one family per process.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// Allocator is the process-wide port-pair allocator. One Allocator is
// shared by every session; its cursor and mutex make concurrent
// AllocatePair calls from different session workers safe.
type Allocator struct {
	mu     sync.Mutex
	rng    hostapi.PortRange
	next   int
	family Family
	// localIP is the interface address to bind to; "" binds the
	// wildcard address of the configured family.
	localIP string
}

// New creates an Allocator over the given range. Min is forced even by
// hostapi.NormalizePortRange before use.
func New(rng hostapi.PortRange, family Family, localIP string) *Allocator {
	rng = hostapi.NormalizePortRange(rng)
	return &Allocator{
		rng:     rng,
		next:    rng.Min,
		family:  family,
		localIP: localIP,
	}
}

// Pair is a bound RTP/RTCP socket pair ready for late binding to a peer.
type Pair struct {
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
	RTPPort  int
	RTCPPort int
}

// Close releases both sockets.
func (p *Pair) Close() {
	if p.RTPConn != nil {
		p.RTPConn.Close()
	}
	if p.RTCPConn != nil {
		p.RTCPConn.Close()
	}
}

// ErrPortsExhausted is returned when a full scan of the configured range
// finds no bindable even/odd pair.
var ErrPortsExhausted = fmt.Errorf("portalloc: no free port pair in range (%w)", hostapi.NewError(hostapi.ErrIOError, "ports exhausted"))

// AllocatePair advances the process-wide cursor by two on every attempt,
// wrapping to the range minimum, and fails only once the cursor has
// returned to its starting point without success. dscp, when non-zero,
// is applied as dscp<<2 to IP_TOS on the RTP socket only.
//
// net.ListenUDP fuses socket creation and binding into one call, so
// there is no unbound-but-created descriptor to carry forward between
// attempts, and a successfully bound half always belongs to a port that
// can't pair with the next (non-adjacent) candidate anyway — that half
// is closed immediately instead of retained. See DESIGN.md.
func (a *Allocator) AllocatePair(dscp int) (*Pair, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.next

	for {
		rtpPort := a.next
		rtcpPort := rtpPort + 1

		a.next += 2
		if a.next > a.rng.Max-1 {
			a.next = a.rng.Min
		}

		rtpConn := a.bind(rtpPort)
		rtcpConn := a.bind(rtcpPort)

		if rtpConn != nil && rtcpConn != nil {
			if dscp > 0 {
				setTOS(rtpConn, dscp<<2)
			}
			return &Pair{RTPConn: rtpConn, RTCPConn: rtcpConn, RTPPort: rtpPort, RTCPPort: rtcpPort}, nil
		}
		if rtpConn != nil {
			rtpConn.Close()
		}
		if rtcpConn != nil {
			rtcpConn.Close()
		}

		if a.next == start {
			return nil, ErrPortsExhausted
		}
	}
}

func (a *Allocator) bind(port int) *net.UDPConn {
	network := "udp4"
	if a.family == FamilyIPv6 {
		network = "udp6"
	}
	addr := &net.UDPAddr{Port: port}
	if a.localIP != "" {
		addr.IP = net.ParseIP(a.localIP)
	}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil
	}
	if a.family == FamilyIPv6 {
		clearV6Only(conn)
	}
	return conn
}

// clearV6Only clears IPV6_V6ONLY so the socket also accepts
// mapped-IPv4 traffic.
func clearV6Only(conn *net.UDPConn) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	})
}

// setTOS applies an already-shifted tosValue to IP_TOS.
func setTOS(conn *net.UDPConn, tosValue int) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tosValue)
	})
}
