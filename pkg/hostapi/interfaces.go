package hostapi

import "context"

// SessionHandle is the opaque per-session identifier the host allocates
// and the core treats as a comparable map key. The host is free to make
// this a *janus_plugin_session equivalent, a pointer, or a string; the
// core never inspects it beyond equality and map lookup.
type SessionHandle any

// Upcalls is the set of calls the core makes into the embedding host.
// The core never calls into the host's signalling/transport layer
// directly; it only reaches the host through this interface.
type Upcalls interface {
	// RelayRTP delivers a peer-originated RTP frame upward, alongside any
	// header-extension fields the relay extracted (audio level / video
	// orientation).
	RelayRTP(handle SessionHandle, frame RTPFrame)
	// RelayRTCP delivers a peer-originated RTCP packet upward.
	RelayRTCP(handle SessionHandle, isVideo bool, buf []byte)
	// SendPLI asks the host to request a keyframe from the WebRTC side.
	SendPLI(handle SessionHandle)
	// ClosePC tears down the WebRTC side of the session.
	ClosePC(handle SessionHandle)
	// NotifyEvent emits a lifecycle event for observers. Callers should
	// check EventsEnabled first to skip building the payload when nobody
	// is listening.
	NotifyEvent(handle SessionHandle, event map[string]any)
	// EventsEnabled reports whether NotifyEvent work is worth doing.
	EventsEnabled() bool
	// PushEvent delivers the asynchronous response to a request,
	// including the optional WebRTC-side description to signal back.
	PushEvent(handle SessionHandle, transaction string, event map[string]any, localJSEP *JSEP)
}

// RTPFrame is one peer-originated RTP datagram — the full wire-format
// packet, SSRC already rewritten to the medium's stored peer SSRC —
// together with the header-extension fields the relay decoded from it.
type RTPFrame struct {
	MediaIndex int // -1 when not meaningful
	IsVideo    bool
	Packet     []byte
	Extensions RTPExtensions
}

// RTPExtensions holds the optional per-packet side-channel fields the
// relay extracts when the corresponding header-extension id was
// negotiated.
type RTPExtensions struct {
	HasAudioLevel bool
	VAD           bool
	AudioLevel    uint8

	HasVideoOrientation bool
	Rotation            int // one of 0, 90, 180, 270
	BackCamera          bool
	Flipped             bool
}

// JSEP is the WebRTC-side session description: {type, sdp, e2ee?}. E2EE
// mirrors the optional boundary flag some WebRTC stacks attach to mark
// end-to-end encrypted media; generate/process reject it since the
// plain-RTP side would only ever see ciphertext it can't relay.
type JSEP struct {
	Type string
	SDP  string
	E2EE bool
}

// Downcalls is the set of calls the embedding host makes into the core.
type Downcalls interface {
	CreateSession(ctx context.Context, handle SessionHandle) error
	DestroySession(ctx context.Context, handle SessionHandle) error
	HandleMessage(ctx context.Context, handle SessionHandle, transaction string, request map[string]any, jsep *JSEP) (accepted bool, err error)
	SetupMedia(ctx context.Context, handle SessionHandle) error
	HangupMedia(ctx context.Context, handle SessionHandle) error
	IncomingRTP(handle SessionHandle, isVideo bool, buf []byte) error
	IncomingRTCP(handle SessionHandle, isVideo bool, buf []byte) error
	QuerySession(handle SessionHandle) (SessionQuery, error)
}

// SessionQuery is the result of a QuerySession downcall: SRTP flags and
// active recorder filenames.
type SessionQuery struct {
	SRTPAudio   bool
	SRTPVideo   bool
	Recordings  []string
}

// Recorder is the narrow interface the relay and request handler tap
// outbound/inbound media into. Its on-disk container format is up to
// the implementation; the core only needs to feed it bytes and know its
// negotiated codec name.
type Recorder interface {
	// Open starts recording to filename, tagging the stream with codec
	// and, for audio, whether RED redundancy wraps the primary payload.
	Open(filename string, codec string, red bool) error
	// Write feeds one decoded-from-RTP media frame to the recorder.
	Write(payload []byte, timestamp uint32) error
	// Close finalizes the recording. Idempotent.
	Close() error
	// Filename reports the path passed to Open, or "" if never opened.
	Filename() string
}
