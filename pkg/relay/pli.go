package relay

import "github.com/pion/rtcp"

// RequestKeyframe asks the peer to send a keyframe by writing a Picture
// Loss Indication onto the video RTCP socket, when the peer's media
// description advertised PLI feedback support. This lets the embedding
// host request a keyframe without round-tripping through the WebRTC
// side's own PLI plumbing. It reports false when PLI isn't usable for
// this session (unsupported, no video, or no RTCP socket) or the send
// failed to build.
func (r *Relay) RequestKeyframe() bool {
	ms := r.session.Media

	r.session.Lock()
	if !ms.VideoPLISupported || !ms.Video.Has || ms.Video.RTCPConn == nil {
		r.session.Unlock()
		return false
	}
	senderSSRC := ms.Video.SSRC
	mediaSSRC := ms.Video.SSRCPeer
	r.session.Unlock()

	pli := &rtcp.PictureLossIndication{
		SenderSSRC: senderSSRC,
		MediaSSRC:  mediaSSRC,
	}
	buf, err := pli.Marshal()
	if err != nil {
		return false
	}

	r.SendRTCP(true, buf)
	return true
}
