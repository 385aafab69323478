package relay

import (
	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/arzzra/nosip_bridge/pkg/media"
	"github.com/pion/rtp"
)

// extractExtensions decodes the two header extensions the bridge
// understands out of an inbound RTP header. Only those two are pulled out;
// every extension, recognised or not, stays in the re-marshaled RTP
// header untouched.
func extractExtensions(ms *media.MediaSession, header *rtp.Header) hostapi.RTPExtensions {
	var out hostapi.RTPExtensions

	if ms.AudioLevelExtID != media.NoExtension {
		if raw := header.GetExtension(uint8(ms.AudioLevelExtID)); raw != nil {
			var level rtp.AudioLevelExtension
			if err := level.Unmarshal(raw); err == nil {
				out.HasAudioLevel = true
				out.VAD = level.Voice
				out.AudioLevel = level.Level
			}
		}
	}

	if ms.VideoOrientationExtID != media.NoExtension {
		if raw := header.GetExtension(uint8(ms.VideoOrientationExtID)); raw != nil {
			if rot, back, flip, ok := decodeVideoOrientation(raw); ok {
				out.HasVideoOrientation = true
				out.Rotation = rot
				out.BackCamera = back
				out.Flipped = flip
			}
		}
	}

	return out
}

// decodeVideoOrientation decodes the one-byte "Coordination of Video
// Orientation" extension (3GPP TS 26.114 / urn:3gpp:video-orientation):
// byte layout is "0000 C F R1 R0" with C as the most significant of the
// four low bits, R0 the least significant. R1/R0 together encode
// rotation in 90-degree steps, C is the camera (0=front, 1=back), F is
// flipped. No pion/rtp type models this extension, so it is decoded by
// hand the way the RFC defines it rather than left unparsed.
func decodeVideoOrientation(raw []byte) (rotation int, backCamera, flipped bool, ok bool) {
	if len(raw) == 0 {
		return 0, false, false, false
	}
	b := raw[0]
	c := b&0x08 != 0
	f := b&0x04 != 0
	r1 := b&0x02 != 0
	r0 := b&0x01 != 0

	switch {
	case !r1 && !r0:
		rotation = 0
	case !r1 && r0:
		rotation = 90
	case r1 && !r0:
		rotation = 180
	default:
		rotation = 270
	}
	return rotation, c, f, true
}
