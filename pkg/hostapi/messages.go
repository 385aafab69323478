package hostapi

// Requests and events are exchanged as JSON-shaped maps at the host
// boundary; transporting those bytes is the embedding host's job. These
// structs are the typed Go-side view used once a request has been
// decoded by the host and handed to the core, and the typed view built
// by the core before the host re-encodes an event.

// SRTPPolicy mirrors the "srtp" request field.
type SRTPPolicy string

const (
	SRTPNone      SRTPPolicy = ""
	SRTPOptional  SRTPPolicy = "sdes_optional"
	SRTPMandatory SRTPPolicy = "sdes_mandatory"
)

// SRTPProfileName mirrors the "srtp_profile" request field.
type SRTPProfileName string

const (
	ProfileNone             SRTPProfileName = ""
	ProfileAES128CM32       SRTPProfileName = "AES_CM_128_HMAC_SHA1_32"
	ProfileAES128CM80       SRTPProfileName = "AES_CM_128_HMAC_SHA1_80"
	ProfileAEADAES128GCM    SRTPProfileName = "AEAD_AES_128_GCM"
	ProfileAEADAES256GCM    SRTPProfileName = "AEAD_AES_256_GCM"
)

// GenerateRequest ← {request:"generate", info?, srtp?, srtp_profile?, update?} + JSEP.
type GenerateRequest struct {
	Info        string
	SRTP        SRTPPolicy
	SRTPProfile SRTPProfileName
	Update      bool
	JSEP        JSEP
}

// GeneratedEvent → {event:"generated", type, sdp, update?}.
type GeneratedEvent struct {
	Type   string
	SDP    string
	Update bool
}

// ProcessRequest ← {request:"process", type, sdp, info?, srtp?, srtp_profile?, update?}.
type ProcessRequest struct {
	Type        string
	SDP         string
	Info        string
	SRTP        SRTPPolicy
	SRTPProfile SRTPProfileName
	Update      bool
}

// ProcessedEvent → {event:"processed", srtp?, update?} plus echoed JSEP.
type ProcessedEvent struct {
	SRTP   SRTPPolicy
	Update bool
	JSEP   JSEP
}

// RecordingRequest ← {request:"recording", action, audio?, video?, peer_audio?, peer_video?, filename?}.
type RecordingRequest struct {
	Action    string // "start" | "stop"
	Audio     bool
	Video     bool
	PeerAudio bool
	PeerVideo bool
	Filename  string
}

// KeyframeRequest ← {request:"keyframe", user?, peer?}.
type KeyframeRequest struct {
	User bool
	Peer bool
}

// EventEnvelope is the common wrapper every response carries:
// {nosip:"event", event:..., ...fields}. Errors use
// {error_code:int, error:"message"} instead.
type EventEnvelope struct {
	NoSIP string         `json:"nosip"`
	Event string         `json:"event"`
	Extra map[string]any `json:"-"`
}

// ErrorEnvelope is the error response shape.
type ErrorEnvelope struct {
	ErrorCode int    `json:"error_code"`
	Error     string `json:"error"`
}

// ToErrorEnvelope converts a BridgeError into its wire shape.
func ToErrorEnvelope(err *BridgeError) ErrorEnvelope {
	return ErrorEnvelope{ErrorCode: int(err.Code), Error: err.Message}
}
