// Package relay implements the per-session bidirectional RTP/RTCP
// bridge loop: inbound datagrams are read off the session's UDP
// sockets, unprotected, SSRC-rewritten, and handed to the embedding
// host; outbound packets the host hands back are protected and written
// to the same connected sockets.
//
// One reader goroutine per socket feeds a fan-in channel the dispatcher
// selects over alongside a buffered wake channel, so a pending endpoint
// change or teardown signal is always observed within one loop
// iteration regardless of how busy the sockets are.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/arzzra/nosip_bridge/pkg/media"
	"github.com/pion/rtp"
	"golang.org/x/sys/unix"
)

// errorEscalationThreshold is how many accumulated socket errors force
// the relay to give up and tear the WebRTC side down.
const errorEscalationThreshold = 100

// maxDatagramSize bounds one read.
const maxDatagramSize = 1500

// Metrics is the optional counter sink a Relay reports moved packets
// to. A *sessionmgr.Metrics satisfies this by structural typing.
type Metrics interface {
	RelayPacket(isVideo, isRTCP, inbound bool)
}

type noopMetrics struct{}

func (noopMetrics) RelayPacket(isVideo, isRTCP, inbound bool) {}

// Relay drives one session's media loop. A Relay is used exactly once;
// call Run in its own goroutine and let it return when the session is
// torn down.
type Relay struct {
	session *media.Session
	up      hostapi.Upcalls
	log     *log.Logger
	metrics Metrics

	errCount int
}

// New builds a Relay for session. up is the embedding host's upcall
// surface; every inbound frame and terminal condition flows through it.
func New(session *media.Session, up hostapi.Upcalls) *Relay {
	return &Relay{
		session: session,
		up:      up,
		log:     log.New(os.Stderr, "relay: ", log.LstdFlags),
		metrics: noopMetrics{},
	}
}

// SetMetrics installs a counter sink. Safe to call before Run; nil
// reverts to the no-op sink.
func (r *Relay) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	r.metrics = m
}

type socketKind struct {
	isVideo bool
	isRTCP  bool
}

type datagram struct {
	kind socketKind
	buf  []byte
	err  error
}

// Run executes the relay loop until the session is destroyed or hung
// up, or ctx is cancelled. On return, the session's media sockets and
// SRTP contexts have been cleaned up and Done has been closed.
func (r *Relay) Run(ctx context.Context) {
	ms := r.session.Media

	readCh, sockets := r.startReaders(ms)
	defer func() {
		for _, c := range sockets {
			c.Close()
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// The relay always starts with pending endpoints to resolve: it is
	// only launched once a peer description is known.
	ms.Updated = true

loop:
	for {
		r.session.Lock()
		updated := ms.Updated
		ms.Updated = false
		done := ms.Destroyed || ms.HangingUp
		r.session.Unlock()

		if done {
			break loop
		}
		if updated {
			r.connectPeers(ms)
		}

		select {
		case <-ctx.Done():
			break loop
		case <-ms.Wake:
			continue loop
		case <-ticker.C:
			continue loop
		case dg, ok := <-readCh:
			if !ok {
				break loop
			}
			if dg.err != nil {
				if r.handleSocketError(ms, dg.kind, dg.err) {
					break loop
				}
				continue loop
			}
			r.handleDatagram(ms, dg)
		}
	}

	r.session.Lock()
	media.CleanupMedia(ms)
	r.session.Unlock()
	close(r.session.Done)
}

// startReaders spawns one goroutine per open socket. Each goroutine
// exits when its socket is closed (Read returns an error it reports
// once, then stops).
func (r *Relay) startReaders(ms *media.MediaSession) (chan datagram, []*net.UDPConn) {
	ch := make(chan datagram, 16)
	var sockets []*net.UDPConn

	spawn := func(conn *net.UDPConn, kind socketKind) {
		if conn == nil {
			return
		}
		sockets = append(sockets, conn)
		go func() {
			buf := make([]byte, maxDatagramSize)
			for {
				n, err := conn.Read(buf)
				if err != nil {
					select {
					case ch <- datagram{kind: kind, err: err}:
					default:
					}
					return
				}
				cp := make([]byte, n)
				copy(cp, buf[:n])
				ch <- datagram{kind: kind, buf: cp}
			}
		}()
	}

	spawn(ms.Audio.RTPConn, socketKind{isVideo: false, isRTCP: false})
	spawn(ms.Audio.RTCPConn, socketKind{isVideo: false, isRTCP: true})
	spawn(ms.Video.RTPConn, socketKind{isVideo: true, isRTCP: false})
	spawn(ms.Video.RTCPConn, socketKind{isVideo: true, isRTCP: true})

	return ch, sockets
}

// connectPeers resolves each medium's remote address and connects every
// open socket to its peer endpoint in place (via the raw fd), so
// subsequent writes use connected-UDP semantics and reads filter to that
// peer without disturbing the allocated socket the reader goroutines
// and the advertised SDP already depend on.
func (r *Relay) connectPeers(ms *media.MediaSession) {
	r.session.Lock()
	defer r.session.Unlock()

	connect := func(conn *net.UDPConn, ip string, port int) {
		if conn == nil || port <= 0 {
			return
		}
		if err := connectSocket(conn, ip, port); err != nil {
			r.log.Printf("connect failed (ip=%s port=%d): %v", ip, port, err)
		}
	}

	connectMedium := func(m *media.MediumData, ip string) {
		if !m.Has || ip == "" || ip == "0.0.0.0" {
			return
		}
		connect(m.RTPConn, ip, m.RemoteRTPPort)
		connect(m.RTCPConn, ip, m.RemoteRTCPPort)
	}

	connectMedium(&ms.Audio, ms.RemoteAudioIP)
	connectMedium(&ms.Video, ms.RemoteVideoIP)
}

// connectSocket calls connect(2) on conn's existing fd, leaving the
// bound local port untouched. This is the Go-level equivalent of the
// original's connect() on its already-bound socket: no new descriptor,
// no new socket for a reader goroutine to miss.
func connectSocket(conn *net.UDPConn, ip string, port int) error {
	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("relay: invalid peer address %q", ip)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		if v4 := addr.To4(); v4 != nil {
			sa := &unix.SockaddrInet4{Port: port}
			copy(sa.Addr[:], v4)
			sockErr = unix.Connect(int(fd), sa)
			return
		}
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], addr.To16())
		sockErr = unix.Connect(int(fd), sa)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

// handleSocketError handles a failed socket read. It returns true when
// the relay should exit.
func (r *Relay) handleSocketError(ms *media.MediaSession, kind socketKind, err error) bool {
	r.session.Lock()
	updated := ms.Updated
	r.session.Unlock()
	if updated {
		return false
	}

	if isConnRefused(err) && kind.isRTCP {
		r.session.Lock()
		m := ms.Medium(kind.isVideo)
		if m.RTCPConn != nil {
			m.RTCPConn.Close()
			m.RTCPConn = nil
		}
		r.session.Unlock()
		return false
	}

	r.errCount++
	if r.errCount >= errorEscalationThreshold {
		r.up.ClosePC(r.session.Handle)
		return true
	}
	return false
}

func (r *Relay) handleDatagram(ms *media.MediaSession, dg datagram) {
	if dg.kind.isRTCP {
		r.handleInboundRTCP(ms, dg.kind.isVideo, dg.buf)
		return
	}
	r.handleInboundRTP(ms, dg.kind.isVideo, dg.buf)
}

func (r *Relay) handleInboundRTP(ms *media.MediaSession, isVideo bool, buf []byte) {
	m := ms.Medium(isVideo)

	plaintext := buf
	if ms.HasSRTPLocal || ms.HasSRTPRemote {
		if m.SRTP != nil {
			out, err := m.SRTP.Unprotect(buf)
			if err != nil {
				r.log.Printf("srtp unprotect dropped (medium video=%v): %v", isVideo, err)
				return
			}
			plaintext = out
		}
	}

	var header rtp.Header
	n, err := header.Unmarshal(plaintext)
	if err != nil {
		return
	}
	payload := plaintext[n:]

	r.session.Lock()
	if m.SSRCPeer == 0 {
		m.SSRCPeer = header.SSRC
	}
	m.Switching.Apply(&header)
	header.SSRC = m.SSRCPeer
	r.session.Unlock()

	extensions := extractExtensions(ms, &header)

	rewritten, err := header.Marshal()
	if err != nil {
		return
	}
	rewritten = append(rewritten, payload...)

	r.tapPeerRecorder(isVideo, payload, header.Timestamp)
	r.metrics.RelayPacket(isVideo, false, true)

	frame := hostapi.RTPFrame{
		MediaIndex: -1,
		IsVideo:    isVideo,
		Packet:     rewritten,
		Extensions: extensions,
	}
	r.up.RelayRTP(r.session.Handle, frame)
}

func (r *Relay) handleInboundRTCP(ms *media.MediaSession, isVideo bool, buf []byte) {
	m := ms.Medium(isVideo)

	plaintext := buf
	if (ms.HasSRTPLocal || ms.HasSRTPRemote) && m.SRTP != nil {
		out, err := m.SRTP.UnprotectRTCP(buf)
		if err != nil {
			r.log.Printf("srtcp unprotect dropped (medium video=%v): %v", isVideo, err)
			return
		}
		plaintext = out
	}

	r.metrics.RelayPacket(isVideo, true, true)
	r.up.RelayRTCP(r.session.Handle, isVideo, plaintext)
}

func (r *Relay) tapPeerRecorder(isVideo bool, payload []byte, ts uint32) {
	r.session.LockRecorders()
	defer r.session.UnlockRecorders()
	var rec hostapi.Recorder
	if isVideo {
		rec = r.session.Recorders.PeerVideo
	} else {
		rec = r.session.Recorders.PeerAudio
	}
	if rec != nil {
		_ = rec.Write(payload, ts)
	}
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
