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

// processContext holds the parsed, validated input of a process
// request, shared by its fresh and update code paths.
type processContext struct {
	desc        *sdp.SessionDescription
	sdpType     string
	sdpText     string
	isAnswer    bool
	policy      hostapi.SRTPPolicy
	requireSRTP bool
}

func (h *Handler) prepareProcess(req sessionmgr.PendingRequest) (*processContext, *hostapi.BridgeError) {
	sdpText := stringField(req.Request, "sdp")
	if sdpText == "" {
		return nil, hostapi.NewError(hostapi.ErrMissingSDP, "process requires sdp")
	}
	sdpType := stringField(req.Request, "type")
	if sdpType != "offer" && sdpType != "answer" {
		return nil, hostapi.NewError(hostapi.ErrInvalidElement, fmt.Sprintf("invalid sdp type %q", sdpType))
	}
	if strings.Contains(sdpText, "m=application") {
		return nil, hostapi.NewError(hostapi.ErrMissingSDP, "the nosip bridge does not support datachannels")
	}
	if req.JSEP != nil && req.JSEP.E2EE {
		return nil, hostapi.NewError(hostapi.ErrInvalidElement, "end-to-end encrypted media cannot be bridged to plain rtp")
	}

	policy := hostapi.SRTPPolicy(stringField(req.Request, "srtp"))
	_, requireSRTP, berr := srtpFlagsFromPolicy(policy)
	if berr != nil {
		return nil, berr
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(sdpText)); err != nil {
		return nil, hostapi.WrapError(hostapi.ErrInvalidSDP, "parsing sdp", err)
	}

	return &processContext{
		desc:        desc,
		sdpType:     sdpType,
		sdpText:     sdpText,
		isAnswer:    sdpType == "answer",
		policy:      policy,
		requireSRTP: requireSRTP,
	}, nil
}

// handleProcess ingests a plain-RTP description from the peer. A
// request already addressed to a ready session, or one carrying
// update:true, is routed to handleProcessUpdate instead.
func (h *Handler) handleProcess(ctx context.Context, mgr *sessionmgr.SessionManager, session *media.Session, req sessionmgr.PendingRequest) (map[string]any, *hostapi.JSEP, *hostapi.BridgeError) {
	pc, berr := h.prepareProcess(req)
	if berr != nil {
		return nil, nil, berr
	}

	session.Lock()
	alreadyReady := session.Media.Ready
	session.Unlock()

	if boolField(req.Request, "update") || alreadyReady {
		return h.handleProcessUpdate(session, pc)
	}

	session.Lock()
	ms := session.Media
	if !pc.isAnswer {
		media.ResetSRTP(ms)
	}
	ms.RequireSRTP = pc.requireSRTP

	if berr := h.processCore(ms, pc, false); berr != nil {
		session.Unlock()
		return nil, nil, berr
	}
	hasSRTPRemote := ms.HasSRTPRemote
	session.Unlock()

	if pc.isAnswer {
		h.transitionNegotiation(session, "remote_answer")
		h.startRelay(ctx, mgr, session)
	} else {
		h.transitionNegotiation(session, "remote_offer")
	}

	return h.processedEvent(pc, hasSRTPRemote, false), &hostapi.JSEP{Type: pc.sdpType, SDP: pc.sdpText}, nil
}

// handleProcessUpdate re-ingests a description for an already-ready
// session: the same endpoint/crypto validation runs, but the
// negotiation FSM and relay launch are left untouched.
func (h *Handler) handleProcessUpdate(session *media.Session, pc *processContext) (map[string]any, *hostapi.JSEP, *hostapi.BridgeError) {
	session.Lock()
	ms := session.Media
	ms.RequireSRTP = pc.requireSRTP

	if berr := h.processCore(ms, pc, true); berr != nil {
		session.Unlock()
		return nil, nil, berr
	}
	hasSRTPRemote := ms.HasSRTPRemote
	session.Unlock()

	return h.processedEvent(pc, hasSRTPRemote, true), &hostapi.JSEP{Type: pc.sdpType, SDP: pc.sdpText}, nil
}

// processCore runs sdpbridge.Process against ms, applies the shared
// presence/address/SRTP-policy validation, and brings up the remote
// half of each medium's SRTP context once a peer crypto line was
// recorded. Callers must hold session's mutex.
func (h *Handler) processCore(ms *media.MediaSession, pc *processContext, isUpdate bool) *hostapi.BridgeError {
	if _, err := sdpbridge.Process(ms, pc.desc, pc.isAnswer, isUpdate, nil); err != nil {
		return hostapi.WrapError(hostapi.ErrInvalidSDP, "processing sdp", err)
	}

	if !ms.Audio.Has && !ms.Video.Has {
		return hostapi.NewError(hostapi.ErrInvalidSDP, "sdp has neither audio nor video")
	}
	if ms.RemoteAudioIP == "" && ms.RemoteVideoIP == "" {
		return hostapi.NewError(hostapi.ErrInvalidSDP, "sdp carries no remote address")
	}
	if pc.requireSRTP && !ms.HasSRTPRemote {
		return hostapi.NewError(hostapi.ErrTooStrict, "srtp required but peer did not offer it")
	}

	for _, m := range []*media.MediumData{&ms.Audio, &ms.Video} {
		if m.CryptoProfile == "" {
			continue
		}
		if m.SRTP == nil {
			m.SRTP = srtpctx.New()
		}
		if err := m.SRTP.InstallRemote(m.CryptoProfile, m.CryptoInline); err != nil {
			return hostapi.WrapError(hostapi.ErrInvalidElement, "installing remote srtp key", err)
		}
	}
	return nil
}

func (h *Handler) processedEvent(pc *processContext, hasSRTPRemote, isUpdate bool) map[string]any {
	fields := map[string]any{}
	if hasSRTPRemote {
		policy := pc.policy
		if policy == hostapi.SRTPNone {
			// The request itself didn't ask for SRTP, but the peer's
			// description carried a=crypto — report the policy it was
			// actually negotiated under.
			policy = hostapi.SRTPOptional
		}
		fields["srtp"] = string(policy)
	}
	if isUpdate {
		fields["update"] = true
	}
	return successEnvelope("processed", fields)
}
