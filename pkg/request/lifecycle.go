package request

import (
	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/arzzra/nosip_bridge/pkg/media"
	"github.com/arzzra/nosip_bridge/pkg/sessionmgr"
)

// handleHangup tears down the WebRTC side and marks the session's
// media loop for exit; the relay observes HangingUp on its next wake
// and closes the sockets itself.
func (h *Handler) handleHangup(session *media.Session) (map[string]any, *hostapi.BridgeError) {
	session.Lock()
	session.Media.HangingUp = true
	session.Unlock()
	session.Media.SignalWake()

	h.Up.ClosePC(session.Handle)
	return successEnvelope("hangingup", nil), nil
}

// handleRecording starts or stops any combination of the four
// recording slots. At least one of audio/video/peer_audio/peer_video
// must be set, or the request fails with RECORDING_ERROR rather than
// silently doing nothing.
func (h *Handler) handleRecording(session *media.Session, req sessionmgr.PendingRequest) (map[string]any, *hostapi.BridgeError) {
	action := stringField(req.Request, "action")
	if action != "start" && action != "stop" {
		return nil, hostapi.NewError(hostapi.ErrInvalidElement, "recording action must be \"start\" or \"stop\"")
	}

	audio := boolField(req.Request, "audio")
	video := boolField(req.Request, "video")
	peerAudio := boolField(req.Request, "peer_audio")
	peerVideo := boolField(req.Request, "peer_video")
	if !audio && !video && !peerAudio && !peerVideo {
		return nil, hostapi.NewError(hostapi.ErrRecordingError, "recording requires at least one of audio, video, peer_audio, peer_video")
	}
	filename := stringField(req.Request, "filename")

	session.Lock()
	ms := session.Media
	audioCodec, videoCodec := ms.Audio.PTName, ms.Video.PTName
	audioRED := ms.OpusREDPT > 0
	session.Unlock()

	if action == "start" {
		if audio {
			if berr := h.startRecorder(session, &session.Recorders.UserAudio, req.Handle, false, false, filename, "user-audio", audioCodec, audioRED); berr != nil {
				return nil, berr
			}
		}
		if video {
			if berr := h.startRecorder(session, &session.Recorders.UserVideo, req.Handle, false, true, filename, "user-video", videoCodec, false); berr != nil {
				return nil, berr
			}
			h.Up.SendPLI(req.Handle)
		}
		if peerAudio {
			if berr := h.startRecorder(session, &session.Recorders.PeerAudio, req.Handle, true, false, filename, "peer-audio", audioCodec, audioRED); berr != nil {
				return nil, berr
			}
		}
		if peerVideo {
			if berr := h.startRecorder(session, &session.Recorders.PeerVideo, req.Handle, true, true, filename, "peer-video", videoCodec, false); berr != nil {
				return nil, berr
			}
		}
	} else {
		if audio {
			h.stopRecorder(session, &session.Recorders.UserAudio)
		}
		if video {
			h.stopRecorder(session, &session.Recorders.UserVideo)
		}
		if peerAudio {
			h.stopRecorder(session, &session.Recorders.PeerAudio)
		}
		if peerVideo {
			h.stopRecorder(session, &session.Recorders.PeerVideo)
		}
	}

	return successEnvelope("recordingupdated", nil), nil
}

func (h *Handler) startRecorder(session *media.Session, slot *hostapi.Recorder, handle hostapi.SessionHandle, peer, isVideo bool, filenameBase, suffix, codec string, red bool) *hostapi.BridgeError {
	if h.Recorder == nil {
		return hostapi.NewError(hostapi.ErrRecordingError, "recording is not configured")
	}
	rec := h.Recorder(handle, peer, isVideo)
	if rec == nil {
		return hostapi.NewError(hostapi.ErrRecordingError, "recorder factory returned nil")
	}
	filename := recordingFilename(filenameBase, handle, suffix)
	if err := rec.Open(filename, codec, red); err != nil {
		return hostapi.WrapError(hostapi.ErrRecordingError, "opening recorder", err)
	}

	session.LockRecorders()
	*slot = rec
	session.UnlockRecorders()
	return nil
}

func (h *Handler) stopRecorder(session *media.Session, slot *hostapi.Recorder) {
	session.LockRecorders()
	rec := *slot
	*slot = nil
	session.UnlockRecorders()
	if rec != nil {
		_ = rec.Close()
	}
}

// handleKeyframe honors a request to inject a PLI toward the WebRTC
// side, the peer, or both. A peer-side request is silently skipped —
// the response still reports keyframesent — when the peer never
// advertised PLI support or no relay is currently running.
func (h *Handler) handleKeyframe(session *media.Session, req sessionmgr.PendingRequest) (map[string]any, *hostapi.BridgeError) {
	user := boolField(req.Request, "user")
	peer := boolField(req.Request, "peer")

	if user {
		h.Up.SendPLI(req.Handle)
	}
	if peer {
		session.Lock()
		rel := session.ActiveRelay
		supported := session.Media.VideoPLISupported
		session.Unlock()
		if supported && rel != nil {
			rel.RequestKeyframe()
		}
	}

	return successEnvelope("keyframesent", nil), nil
}
