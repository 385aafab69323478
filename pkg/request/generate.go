package request

import (
	"context"
	"fmt"
	"strings"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/arzzra/nosip_bridge/pkg/media"
	"github.com/arzzra/nosip_bridge/pkg/sdpbridge"
	"github.com/arzzra/nosip_bridge/pkg/sessionmgr"
	"github.com/arzzra/nosip_bridge/pkg/srtpctx"
	"github.com/pion/sdp/v3"
)

// generateContext holds the parsed, validated input of a generate
// request, shared by its fresh and update code paths.
type generateContext struct {
	desc        *sdp.SessionDescription
	jsepType    string
	isAnswer    bool
	doSRTP      bool
	requireSRTP bool
	srtpProfile hostapi.SRTPProfileName
}

func (h *Handler) prepareGenerate(req sessionmgr.PendingRequest) (*generateContext, *hostapi.BridgeError) {
	if req.JSEP == nil || req.JSEP.SDP == "" {
		return nil, hostapi.NewError(hostapi.ErrMissingSDP, "generate requires a jsep sdp")
	}
	if req.JSEP.Type != "offer" && req.JSEP.Type != "answer" {
		return nil, hostapi.NewError(hostapi.ErrInvalidElement, fmt.Sprintf("invalid jsep type %q", req.JSEP.Type))
	}
	if strings.Contains(req.JSEP.SDP, "m=application") {
		return nil, hostapi.NewError(hostapi.ErrMissingSDP, "the nosip bridge does not support datachannels")
	}
	if req.JSEP.E2EE {
		return nil, hostapi.NewError(hostapi.ErrInvalidElement, "end-to-end encrypted media cannot be bridged to plain rtp")
	}

	policy := hostapi.SRTPPolicy(stringField(req.Request, "srtp"))
	doSRTP, requireSRTP, berr := srtpFlagsFromPolicy(policy)
	if berr != nil {
		return nil, berr
	}
	profile, berr := srtpProfileField(req.Request)
	if berr != nil {
		return nil, berr
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(req.JSEP.SDP)); err != nil {
		return nil, hostapi.WrapError(hostapi.ErrInvalidSDP, "parsing jsep sdp", err)
	}

	return &generateContext{
		desc:        desc,
		jsepType:    req.JSEP.Type,
		isAnswer:    req.JSEP.Type == "answer",
		doSRTP:      doSRTP,
		requireSRTP: requireSRTP,
		srtpProfile: profile,
	}, nil
}

// handleGenerate renders a plain-RTP description from a WebRTC-side
// offer or answer. A request already addressed to a ready session, or
// one carrying update:true, is routed to handleGenerateUpdate instead.
func (h *Handler) handleGenerate(ctx context.Context, mgr *sessionmgr.SessionManager, session *media.Session, req sessionmgr.PendingRequest) (map[string]any, *hostapi.JSEP, *hostapi.BridgeError) {
	gc, berr := h.prepareGenerate(req)
	if berr != nil {
		return nil, nil, berr
	}

	session.Lock()
	alreadyReady := session.Media.Ready
	session.Unlock()

	if boolField(req.Request, "update") || alreadyReady {
		return h.handleGenerateUpdate(session, req, gc)
	}

	session.Lock()
	ms := session.Media

	if !gc.isAnswer {
		media.ResetSRTP(ms)
		ms.RequireSRTP = gc.requireSRTP
	} else {
		// A prior process() of an RTP/SAVP offer already requires SRTP;
		// the answer keeps that requirement.
		ms.RequireSRTP = ms.RequireSRTP || gc.requireSRTP
	}

	doSRTP := gc.doSRTP
	if gc.isAnswer {
		// A prior process() of the peer's offer may already have told
		// us it carries SRTP; honor that even if this generate request
		// itself didn't ask for it.
		doSRTP = doSRTP || ms.HasSRTPRemote
		if gc.requireSRTP && !ms.HasSRTPRemote {
			session.Unlock()
			return nil, nil, hostapi.NewError(hostapi.ErrTooStrict, "srtp required but peer did not offer it")
		}
	}
	ms.HasSRTPLocal = doSRTP
	ms.SRTPProfile = gc.srtpProfile

	hasAudio, hasVideo := scanHasMedia(gc.desc)
	ms.Audio.Has = hasAudio
	ms.Video.Has = hasVideo

	sdpbridge.DetectHeaderExtensions(ms, gc.desc)

	if err := h.allocateLocalPorts(ms, false); err != nil {
		session.Unlock()
		return nil, nil, hostapi.WrapError(hostapi.ErrIOError, "allocating local ports", err)
	}

	rendered, err := sdpbridge.Manipulate(ms, gc.desc, gc.isAnswer, h.Config.SDPIP, h.installLocalFunc(ms, gc.srtpProfile))
	session.Unlock()
	if err != nil {
		return nil, nil, hostapi.WrapError(hostapi.ErrIOError, "rendering local sdp", err)
	}

	if gc.isAnswer {
		h.transitionNegotiation(session, "local_answer")
		h.startRelay(ctx, mgr, session)
	} else {
		h.transitionNegotiation(session, "local_offer")
	}

	event := successEnvelope("generated", map[string]any{"type": gc.jsepType, "sdp": rendered})
	return event, nil, nil
}

// handleGenerateUpdate re-renders a description for an already-ready
// session. Ports already allocated are left exactly as they are — only
// a medium added for the first time during the update gets a fresh
// pair — and the negotiation FSM and relay launch are untouched, since
// the session has already passed through them once.
func (h *Handler) handleGenerateUpdate(session *media.Session, req sessionmgr.PendingRequest, gc *generateContext) (map[string]any, *hostapi.JSEP, *hostapi.BridgeError) {
	session.Lock()
	ms := session.Media

	hasAudio, hasVideo := scanHasMedia(gc.desc)
	ms.Audio.Has = hasAudio
	ms.Video.Has = hasVideo

	sdpbridge.DetectHeaderExtensions(ms, gc.desc)

	if err := h.allocateLocalPorts(ms, true); err != nil {
		session.Unlock()
		return nil, nil, hostapi.WrapError(hostapi.ErrIOError, "allocating local ports", err)
	}

	rendered, err := sdpbridge.Manipulate(ms, gc.desc, gc.isAnswer, h.Config.SDPIP, h.installLocalFunc(ms, gc.srtpProfile))
	session.Unlock()
	if err != nil {
		return nil, nil, hostapi.WrapError(hostapi.ErrIOError, "rendering local sdp", err)
	}

	event := successEnvelope("generated", map[string]any{"type": gc.jsepType, "sdp": rendered, "update": true})
	return event, nil, nil
}

// installLocalFunc binds Manipulate's lazy SRTP-material hook to ms,
// creating the medium's srtpctx.Context on first use.
func (h *Handler) installLocalFunc(ms *media.MediaSession, profile hostapi.SRTPProfileName) sdpbridge.InstallLocalFunc {
	return func(isVideo bool) (hostapi.SRTPProfileName, string, error) {
		m := ms.Medium(isVideo)
		if m.SRTP == nil {
			m.SRTP = srtpctx.New()
		}
		return m.SRTP.InstallLocal(profile)
	}
}

// scanHasMedia reports which media types desc carries with a non-zero
// port, mirroring the plain substring scan the original WebRTC-side
// description check performs — it only needs to know presence, not
// endpoint details, since generate never learns the peer's address.
func scanHasMedia(desc *sdp.SessionDescription) (hasAudio, hasVideo bool) {
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		switch md.MediaName.Media {
		case "audio":
			hasAudio = true
		case "video":
			hasVideo = true
		}
	}
	return
}

// allocateLocalPorts gives each present medium a local RTP/RTCP port
// pair. On a fresh (non-update) generate it first closes and zeroes
// any prior allocation, then — for both paths — allocates a fresh pair
// for any medium whose local ports are still zero. Callers must hold
// session's mutex.
func (h *Handler) allocateLocalPorts(ms *media.MediaSession, isUpdate bool) error {
	if !isUpdate {
		closeAndZeroPorts(&ms.Audio)
		closeAndZeroPorts(&ms.Video)
	}

	if ms.Audio.Has && (ms.Audio.LocalRTPPort == 0 || ms.Audio.LocalRTCPPort == 0) {
		pair, err := h.Ports.AllocatePair(h.Config.DSCPAudioRTP)
		if err != nil {
			return err
		}
		ms.Audio.RTPConn, ms.Audio.RTCPConn = pair.RTPConn, pair.RTCPConn
		ms.Audio.LocalRTPPort, ms.Audio.LocalRTCPPort = pair.RTPPort, pair.RTCPPort
	}
	if ms.Video.Has && (ms.Video.LocalRTPPort == 0 || ms.Video.LocalRTCPPort == 0) {
		pair, err := h.Ports.AllocatePair(h.Config.DSCPVideoRTP)
		if err != nil {
			return err
		}
		ms.Video.RTPConn, ms.Video.RTCPConn = pair.RTPConn, pair.RTCPConn
		ms.Video.LocalRTPPort, ms.Video.LocalRTCPPort = pair.RTPPort, pair.RTCPPort
	}
	return nil
}

func closeAndZeroPorts(m *media.MediumData) {
	if m.RTPConn != nil {
		m.RTPConn.Close()
		m.RTPConn = nil
	}
	if m.RTCPConn != nil {
		m.RTCPConn.Close()
		m.RTCPConn = nil
	}
	m.LocalRTPPort, m.LocalRTCPPort = 0, 0
}
