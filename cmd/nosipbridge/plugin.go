package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/arzzra/nosip_bridge/pkg/portalloc"
	"github.com/arzzra/nosip_bridge/pkg/relay"
	"github.com/arzzra/nosip_bridge/pkg/request"
	"github.com/arzzra/nosip_bridge/pkg/sessionmgr"
)

// Plugin wires pkg/sessionmgr, pkg/request, and pkg/portalloc into one
// value satisfying hostapi.Downcalls — the shape an embedding host
// instantiates once per process and drives through the eight downcalls.
type Plugin struct {
	cfg   hostapi.Config
	mgr   *sessionmgr.SessionManager
	ports *portalloc.Allocator
	log   *log.Logger
}

// NewPlugin validates cfg, builds the port allocator and request
// handler, and wires them into a SessionManager ready for Run. up is
// the embedding host's upcall surface; recorderFactory may be nil to
// disable recording.
func NewPlugin(cfg hostapi.Config, up hostapi.Upcalls, recorderFactory request.RecorderFactory) (*Plugin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("nosipbridge: invalid config: %w", err)
	}

	family := portalloc.FamilyIPv4
	ports := portalloc.New(cfg.RTPPortRange, family, cfg.LocalIP)

	handler := request.New(up, cfg, ports, recorderFactory)
	mgr := sessionmgr.New(handler, sessionmgr.NewMetrics(true, nil))

	return &Plugin{
		cfg:   cfg,
		mgr:   mgr,
		ports: ports,
		log:   log.New(os.Stderr, "nosipbridge: ", log.LstdFlags),
	}, nil
}

// Run drains the request queue until ctx is cancelled. Call it in its
// own goroutine; the embedding host's downcalls are safe to invoke
// from any other goroutine while it runs.
func (p *Plugin) Run(ctx context.Context) {
	p.mgr.Run(ctx)
}

var _ hostapi.Downcalls = (*Plugin)(nil)

func (p *Plugin) CreateSession(ctx context.Context, handle hostapi.SessionHandle) error {
	_, err := p.mgr.CreateSession(handle)
	return err
}

func (p *Plugin) DestroySession(ctx context.Context, handle hostapi.SessionHandle) error {
	return p.mgr.DestroySession(handle)
}

// HandleMessage enqueues req for the worker and reports whether the
// queue had room — the accepted|rejected contract §4.5 describes.
func (p *Plugin) HandleMessage(ctx context.Context, handle hostapi.SessionHandle, transaction string, req map[string]any, jsep *hostapi.JSEP) (bool, error) {
	accepted := p.mgr.Enqueue(sessionmgr.PendingRequest{
		Handle:      handle,
		Transaction: transaction,
		Request:     req,
		JSEP:        jsep,
	})
	return accepted, nil
}

// SetupMedia notes that the host's WebRTC-side PeerConnection has come
// up. The bridge itself only starts relaying once generate/process has
// driven the session to Ready, so there is nothing else to do here.
func (p *Plugin) SetupMedia(ctx context.Context, handle hostapi.SessionHandle) error {
	p.log.Printf("setup_media: %v", handle)
	return nil
}

// HangupMedia marks the session's media loop for exit without issuing
// another ClosePC — the host is telling us its own WebRTC side already
// went down, so echoing that back would be redundant.
func (p *Plugin) HangupMedia(ctx context.Context, handle hostapi.SessionHandle) error {
	session, release, ok := p.mgr.Acquire(handle)
	if !ok {
		return fmt.Errorf("nosipbridge: hangup_media: unknown session %v", handle)
	}
	defer release()

	session.Lock()
	session.Media.HangingUp = true
	session.Unlock()
	session.Media.SignalWake()
	return nil
}

// IncomingRTP is the WebRTC-to-peer outbound path: a frame the host
// already decrypted off its DTLS-SRTP transport is handed to the
// session's running Relay to protect (if negotiated) and forward to
// the plain-RTP peer. Dropped silently before the relay is up — there
// is no transport yet to carry it.
func (p *Plugin) IncomingRTP(handle hostapi.SessionHandle, isVideo bool, buf []byte) error {
	rel, release, ok := p.activeRelay(handle)
	if !ok {
		return nil
	}
	defer release()
	rel.SendRTP(isVideo, buf)
	return nil
}

func (p *Plugin) IncomingRTCP(handle hostapi.SessionHandle, isVideo bool, buf []byte) error {
	rel, release, ok := p.activeRelay(handle)
	if !ok {
		return nil
	}
	defer release()
	rel.SendRTCP(isVideo, buf)
	return nil
}

func (p *Plugin) activeRelay(handle hostapi.SessionHandle) (*relay.Relay, func(), bool) {
	session, release, ok := p.mgr.Acquire(handle)
	if !ok {
		return nil, func() {}, false
	}
	session.Lock()
	rel, _ := session.ActiveRelay.(*relay.Relay)
	session.Unlock()
	if rel == nil {
		release()
		return nil, func() {}, false
	}
	return rel, release, true
}

// QuerySession reports the negotiated SRTP flags and the filenames of
// any recorder currently open on the session.
func (p *Plugin) QuerySession(handle hostapi.SessionHandle) (hostapi.SessionQuery, error) {
	session, release, ok := p.mgr.Acquire(handle)
	if !ok {
		return hostapi.SessionQuery{}, fmt.Errorf("nosipbridge: query_session: unknown session %v", handle)
	}
	defer release()

	session.Lock()
	q := hostapi.SessionQuery{
		SRTPAudio: session.Media.Audio.SRTP != nil && session.Media.Audio.SRTP.Ready(),
		SRTPVideo: session.Media.Video.SRTP != nil && session.Media.Video.SRTP.Ready(),
	}
	session.Unlock()

	session.LockRecorders()
	for _, rec := range []hostapi.Recorder{
		session.Recorders.UserAudio, session.Recorders.UserVideo,
		session.Recorders.PeerAudio, session.Recorders.PeerVideo,
	} {
		if rec != nil && rec.Filename() != "" {
			q.Recordings = append(q.Recordings, rec.Filename())
		}
	}
	session.UnlockRecorders()

	return q, nil
}
