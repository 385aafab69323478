// Package media holds the per-session aggregate state the rest of the
// bridge operates on: MediaSession (codec selections, endpoints, SSRCs,
// SRTP contexts, sockets) and Session, which wraps it with
// synchronization and recorder slots.
package media

import (
	"context"
	"net"
	"sync"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/arzzra/nosip_bridge/pkg/srtpctx"
	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"
)

// NoExtension is the sentinel for an absent header-extension id.
const NoExtension = -1

// NoREDPayload is the sentinel for opusred_pt when no RED payload was
// negotiated.
const NoREDPayload = -1

// MediumData holds the per-medium (audio or video) half of MediaSession.
type MediumData struct {
	Has bool

	LocalRTPPort   int
	LocalRTCPPort  int
	RemoteRTPPort  int
	RemoteRTCPPort int

	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn

	SSRC     uint32 // local, learned from the first outbound frame
	SSRCPeer uint32 // remote, learned from the first inbound frame

	PT     uint8
	PTName string
	Send   bool // mirrors the negotiated direction attribute

	SRTP          *srtpctx.Context
	CryptoTag     int
	CryptoProfile hostapi.SRTPProfileName
	// CryptoInline is the base64 key+salt decoded from the peer's
	// a=crypto line, held here until the request handler has a chance
	// to bring up the SRTP context with srtpctx.InstallRemote.
	CryptoInline string

	Switching SwitchingContext
}

// HasLocalCrypto reports whether this medium's SRTP context already
// has local key material installed — either because InstallLocal ran
// directly, or because InstallRemote generated one lazily on the
// answering side. Manipulate uses this instead of CryptoProfile to
// decide whether it still owes the description a crypto line, since
// CryptoProfile alone doesn't say whose material it names.
func (m *MediumData) HasLocalCrypto() bool {
	return m.SRTP != nil && m.SRTP.LocalInline() != ""
}

// reset clears negotiated state but leaves sockets and SRTP contexts
// untouched; callers close those separately during cleanup.
func (m *MediumData) reset() {
	*m = MediumData{
		RTPConn:  m.RTPConn,
		RTCPConn: m.RTCPConn,
		SRTP:     m.SRTP,
		Switching: SwitchingContext{},
	}
}

// MediaSession is the primary per-session aggregate: per-medium
// endpoints, codec selections, SRTP/negotiation flags, and the wake
// channel the relay dispatcher watches.
type MediaSession struct {
	RemoteAudioIP string
	RemoteVideoIP string

	Audio MediumData
	Video MediumData

	OpusREDPT     int
	SimulcastSSRC uint32

	SRTPProfile   hostapi.SRTPProfileName
	RequireSRTP   bool
	HasSRTPLocal  bool
	HasSRTPRemote bool

	VideoPLISupported bool

	VideoOrientationExtID int
	AudioLevelExtID       int

	Ready     bool
	Updated   bool
	Destroyed bool
	HangingUp bool

	// Wake replaces the wake pipe: a 1-buffered channel the relay
	// dispatcher selects on alongside its socket readers. A non-blocking
	// send dedups repeat wakes the same way a single pending byte would
	// on a real pipe.
	Wake chan struct{}
}

// NewMediaSession returns a MediaSession with every sentinel field at its
// documented absent value.
func NewMediaSession() *MediaSession {
	return &MediaSession{
		OpusREDPT:             NoREDPayload,
		VideoOrientationExtID: NoExtension,
		AudioLevelExtID:       NoExtension,
		Wake:                  make(chan struct{}, 1),
	}
}

// Medium returns the audio or video half by flag.
func (ms *MediaSession) Medium(isVideo bool) *MediumData {
	if isVideo {
		return &ms.Video
	}
	return &ms.Audio
}

// SignalWake wakes the relay dispatcher within one iteration of its
// select loop, so a pending endpoint change or teardown is never stuck
// behind a long poll.
func (ms *MediaSession) SignalWake() {
	select {
	case ms.Wake <- struct{}{}:
	default:
	}
}

// KeyframeRequester is the narrow view of a running Relay the request
// handler needs to honor a keyframe request targeting the peer, without
// pkg/media importing pkg/relay back.
type KeyframeRequester interface {
	RequestKeyframe() bool
}

// Session wraps MediaSession with its mutexes, recorder slots, and
// description bookkeeping.
type Session struct {
	mu    sync.Mutex
	recMu sync.Mutex

	Handle hostapi.SessionHandle
	Info   string

	Media       *MediaSession
	Negotiation *fsm.FSM

	// ActiveRelay is the session's running Relay, installed by whatever
	// launches it and cleared once its Run loop returns. Guarded by mu.
	ActiveRelay KeyframeRequester

	// Version and LastDescription are slots for a description-regeneration
	// counter and the last parsed description. No request handler updates
	// either: Version stays 0 and LastDescription stays nil.
	Version int

	LastDescription *sdp.SessionDescription

	Recorders Recorders

	// Done is closed once the relay goroutine for this session has
	// returned, so callers tearing a session down can wait for the loop
	// to actually exit before releasing sockets and SRTP contexts.
	Done chan struct{}
}

// Recorders holds the four optional recorder handles under recMu.
type Recorders struct {
	UserAudio hostapi.Recorder
	UserVideo hostapi.Recorder
	PeerAudio hostapi.Recorder
	PeerVideo hostapi.Recorder
}

// NewSession allocates a Session for handle with fresh MediaSession and
// negotiation state.
func NewSession(handle hostapi.SessionHandle) *Session {
	return &Session{
		Handle:      handle,
		Media:       NewMediaSession(),
		Negotiation: NewNegotiationFSM(),
		Done:        make(chan struct{}),
	}
}

// Lock/Unlock guard MediaSession fields and sockets. Exported so
// pkg/relay, pkg/request, and pkg/sessionmgr can take the session's
// own mutex around their own multi-field mutations instead of each
// package keeping a separate lock over the same state.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// LockRecorders/UnlockRecorders guard the Recorders struct only.
func (s *Session) LockRecorders()   { s.recMu.Lock() }
func (s *Session) UnlockRecorders() { s.recMu.Unlock() }

// MarkReady transitions the negotiation FSM and sets Media.Ready under
// the session mutex. Callers must not already hold s.mu.
func (s *Session) MarkReady(event string) error {
	s.Lock()
	defer s.Unlock()
	if err := s.Negotiation.Event(context.Background(), event); err != nil {
		return err
	}
	s.Media.Ready = true
	return nil
}
