// Package request implements the per-session request state machine:
// generate, process, hangup, recording, keyframe. A Handler satisfies
// sessionmgr.Dispatcher, so the session manager's single worker drives
// every request against the session it targets with exclusive, in-order
// access, while Handler itself owns every validation rule, state
// mutation, and Upcalls call the request entails.
package request

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/arzzra/nosip_bridge/pkg/media"
	"github.com/arzzra/nosip_bridge/pkg/portalloc"
	"github.com/arzzra/nosip_bridge/pkg/relay"
	"github.com/arzzra/nosip_bridge/pkg/sessionmgr"
)

// RecorderFactory builds a Recorder for one of a session's four
// recording slots. It is not part of hostapi.Upcalls: the embedding
// host's recorder container format is an external collaborator the
// core never needs to know about, so construction is injected here
// instead of added to the fixed upcall surface. A nil factory disables
// recording; "recording" start requests then fail with RECORDING_ERROR.
type RecorderFactory func(handle hostapi.SessionHandle, peer, isVideo bool) hostapi.Recorder

// Handler dispatches PendingRequests against their session. One Handler
// is shared by every session; its own fields (config, port allocator,
// upcalls, recorder factory) are read-only after New.
type Handler struct {
	Up       hostapi.Upcalls
	Config   hostapi.Config
	Ports    *portalloc.Allocator
	Recorder RecorderFactory

	log *log.Logger
}

// New builds a Handler. recorderFactory may be nil.
func New(up hostapi.Upcalls, cfg hostapi.Config, ports *portalloc.Allocator, recorderFactory RecorderFactory) *Handler {
	return &Handler{
		Up:       up,
		Config:   cfg,
		Ports:    ports,
		Recorder: recorderFactory,
		log:      log.New(os.Stderr, "request: ", log.LstdFlags),
	}
}

// Dispatch implements sessionmgr.Dispatcher. It acquires the target
// session, routes to the matching handler by the "request" field, and
// pushes exactly one event back through Up.PushEvent — the success
// shape the handler built, or the error envelope for a *hostapi.BridgeError.
// A request for an unknown session is logged and gets no event.
func (h *Handler) Dispatch(ctx context.Context, mgr *sessionmgr.SessionManager, req sessionmgr.PendingRequest) {
	session, release, ok := mgr.Acquire(req.Handle)
	if !ok {
		h.log.Printf("dispatch: unknown session %v", req.Handle)
		return
	}
	defer release()

	name, _ := req.Request["request"].(string)

	var event map[string]any
	var jsep *hostapi.JSEP
	var berr *hostapi.BridgeError

	switch name {
	case "generate":
		event, jsep, berr = h.handleGenerate(ctx, mgr, session, req)
	case "process":
		event, jsep, berr = h.handleProcess(ctx, mgr, session, req)
	case "hangup":
		event, berr = h.handleHangup(session)
	case "recording":
		event, berr = h.handleRecording(session, req)
	case "keyframe":
		event, berr = h.handleKeyframe(session, req)
	case "":
		berr = hostapi.NewError(hostapi.ErrMissingElement, "missing \"request\" field")
	default:
		berr = hostapi.NewError(hostapi.ErrInvalidRequest, fmt.Sprintf("unknown request %q", name))
	}

	if berr != nil {
		mgr.Metrics.RequestFailed(name, berr.Code.String())
		h.Up.PushEvent(req.Handle, req.Transaction, errorEnvelope(berr), nil)
		return
	}
	mgr.Metrics.RequestProcessed(name)
	h.Up.PushEvent(req.Handle, req.Transaction, event, jsep)
}

func successEnvelope(name string, fields map[string]any) map[string]any {
	out := map[string]any{"nosip": "event", "event": name}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func errorEnvelope(berr *hostapi.BridgeError) map[string]any {
	env := hostapi.ToErrorEnvelope(berr)
	return map[string]any{"nosip": "event", "error_code": env.ErrorCode, "error": env.Error}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func srtpFlagsFromPolicy(policy hostapi.SRTPPolicy) (doSRTP, requireSRTP bool, berr *hostapi.BridgeError) {
	switch policy {
	case hostapi.SRTPNone:
		return false, false, nil
	case hostapi.SRTPOptional:
		return true, false, nil
	case hostapi.SRTPMandatory:
		return true, true, nil
	default:
		return false, false, hostapi.NewError(hostapi.ErrInvalidElement, fmt.Sprintf("invalid srtp policy %q", policy))
	}
}

func srtpProfileField(req map[string]any) (hostapi.SRTPProfileName, *hostapi.BridgeError) {
	raw := stringField(req, "srtp_profile")
	if raw == "" {
		return hostapi.ProfileNone, nil
	}
	profile := hostapi.SRTPProfileName(raw)
	switch profile {
	case hostapi.ProfileAES128CM32, hostapi.ProfileAES128CM80, hostapi.ProfileAEADAES128GCM, hostapi.ProfileAEADAES256GCM:
		return profile, nil
	default:
		return "", hostapi.NewError(hostapi.ErrInvalidElement, fmt.Sprintf("unsupported srtp_profile %q", raw))
	}
}

// transitionNegotiation applies a best-effort FSM event under the
// session mutex. The negotiation FSM exists to make generate/process
// legality observable, not to gate behavior, so an invalid transition
// (e.g. a stale retry) is logged and otherwise ignored.
func (h *Handler) transitionNegotiation(session *media.Session, event string) {
	session.Lock()
	defer session.Unlock()
	if err := session.Negotiation.Event(context.Background(), event); err != nil {
		h.log.Printf("negotiation: %v event on session %v: %v", event, session.Handle, err)
	}
}

// startRelay marks the session ready and launches its Relay loop in a
// new goroutine, acquiring a SessionManager reference for the loop's
// lifetime so the session outlives every in-flight request while the
// loop still touches it. A no-op if the session is already ready.
func (h *Handler) startRelay(ctx context.Context, mgr *sessionmgr.SessionManager, session *media.Session) {
	session.Lock()
	already := session.Media.Ready
	session.Media.Ready = true
	session.Unlock()
	if already {
		return
	}

	relaySession, release, ok := mgr.Acquire(session.Handle)
	if !ok {
		return
	}

	rel := relay.New(relaySession, h.Up)
	rel.SetMetrics(mgr.Metrics)

	session.Lock()
	session.ActiveRelay = rel
	session.Unlock()

	go func() {
		defer release()
		rel.Run(ctx)
		session.Lock()
		session.ActiveRelay = nil
		session.Unlock()
	}()
}

// recordingFilename builds the on-disk name for one recording slot:
// "<base>-<suffix>" when a filename base was given, otherwise a
// generated "nosip-<handle>-<timestamp>-<suffix>" fallback.
func recordingFilename(base string, handle hostapi.SessionHandle, suffix string) string {
	if base != "" {
		return base + "-" + suffix
	}
	return fmt.Sprintf("nosip-%v-%d-%s", handle, time.Now().UnixNano(), suffix)
}
