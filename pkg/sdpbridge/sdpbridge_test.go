package sdpbridge

import (
	"testing"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/arzzra/nosip_bridge/pkg/media"
	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/require"
)

func parseSDP(t *testing.T, raw string) *sdp.SessionDescription {
	t.Helper()
	desc := &sdp.SessionDescription{}
	require.NoError(t, desc.Unmarshal([]byte(raw)))
	return desc
}

const plainOfferSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 203.0.113.9\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.9\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 40002 RTP/AVP 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtcp-fb:96 nack pli\r\n"

func TestProcessOfferPopulatesMediaSession(t *testing.T) {
	ms := media.NewMediaSession()
	desc := parseSDP(t, plainOfferSDP)

	changed, err := Process(ms, desc, false, false, nil)
	require.NoError(t, err)
	require.False(t, changed, "changed is only meaningful on isUpdate")

	require.Equal(t, "203.0.113.9", ms.RemoteAudioIP)
	require.Equal(t, "203.0.113.9", ms.RemoteVideoIP)
	require.True(t, ms.Audio.Has)
	require.True(t, ms.Video.Has)
	require.Equal(t, 40000, ms.Audio.RemoteRTPPort)
	require.Equal(t, 40001, ms.Audio.RemoteRTCPPort)
	require.Equal(t, 40002, ms.Video.RemoteRTPPort)
	require.True(t, ms.Audio.Send)
	require.True(t, ms.Video.Send)
	require.True(t, ms.VideoPLISupported)
	require.False(t, ms.RequireSRTP)
}

func TestProcessSendonlyMarksMediumNotSending(t *testing.T) {
	ms := media.NewMediaSession()
	desc := parseSDP(t, "v=0\r\no=- 1 1 IN IP4 203.0.113.9\r\ns=-\r\n"+
		"c=IN IP4 203.0.113.9\r\nt=0 0\r\n"+
		"m=audio 40000 RTP/AVP 0\r\na=sendonly\r\na=rtpmap:0 PCMU/8000\r\n")

	_, err := Process(ms, desc, false, false, nil)
	require.NoError(t, err)
	require.False(t, ms.Audio.Send)
}

func TestProcessDetectsSAVPAndCrypto(t *testing.T) {
	ms := media.NewMediaSession()
	desc := parseSDP(t, "v=0\r\no=- 1 1 IN IP4 203.0.113.9\r\ns=-\r\n"+
		"c=IN IP4 203.0.113.9\r\nt=0 0\r\n"+
		"m=audio 40000 RTP/SAVP 0\r\n"+
		"a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:"+
		"d0RmdmcmVCAREiIzRFZXYgMjQzM4Ae\r\n"+
		"a=rtpmap:0 PCMU/8000\r\n")

	_, err := Process(ms, desc, false, false, nil)
	require.NoError(t, err)
	require.True(t, ms.RequireSRTP)
	require.True(t, ms.HasSRTPRemote)
	require.Equal(t, 1, ms.Audio.CryptoTag)
	require.Equal(t, hostapi.SRTPProfileName("AES_CM_128_HMAC_SHA1_80"), ms.Audio.CryptoProfile)
}

func TestProcessUpdateReportsChangedOnNewRemotePort(t *testing.T) {
	ms := media.NewMediaSession()
	desc := parseSDP(t, plainOfferSDP)
	_, err := Process(ms, desc, false, false, nil)
	require.NoError(t, err)

	moved := parseSDP(t, "v=0\r\no=- 1 1 IN IP4 203.0.113.9\r\ns=-\r\n"+
		"c=IN IP4 203.0.113.9\r\nt=0 0\r\n"+
		"m=audio 40100 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n"+
		"m=video 40002 RTP/AVP 96\r\na=rtpmap:96 VP8/90000\r\n")

	changed, err := Process(ms, moved, false, true, nil)
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, ms.Updated)
	require.Equal(t, 40100, ms.Audio.RemoteRTPPort)
}

func TestProcessAnswerAssignsNegotiatedPTWithRED(t *testing.T) {
	ms := media.NewMediaSession()
	desc := parseSDP(t, "v=0\r\no=- 1 1 IN IP4 203.0.113.9\r\ns=-\r\n"+
		"c=IN IP4 203.0.113.9\r\nt=0 0\r\n"+
		"m=audio 40000 RTP/AVP 63 111\r\n"+
		"a=rtpmap:63 red/48000/2\r\n"+
		"a=rtpmap:111 opus/48000/2\r\n")

	_, err := Process(ms, desc, true, false, nil)
	require.NoError(t, err)
	require.Equal(t, 63, ms.OpusREDPT)
	require.Equal(t, uint8(111), ms.Audio.PT)
	require.Equal(t, "opus", ms.Audio.PTName)
}

func TestManipulateRewritesConnectionAndPort(t *testing.T) {
	ms := media.NewMediaSession()
	ms.Audio.Has = true
	ms.Audio.LocalRTPPort = 35000
	ms.Video.Has = true
	ms.Video.LocalRTPPort = 35002

	desc := parseSDP(t, plainOfferSDP)

	rendered, err := Manipulate(ms, desc, false, "198.51.100.4", nil)
	require.NoError(t, err)
	require.Contains(t, rendered, "c=IN IP4 198.51.100.4")
	require.Contains(t, rendered, "m=audio 35000 RTP/AVP 0")
	require.Contains(t, rendered, "m=video 35002 RTP/AVP 96")
}

func TestManipulateInstallsCryptoWhenSRTPRequired(t *testing.T) {
	ms := media.NewMediaSession()
	ms.Audio.Has = true
	ms.Audio.LocalRTPPort = 35000
	ms.RequireSRTP = true
	ms.HasSRTPLocal = true

	desc := parseSDP(t, "v=0\r\no=- 1 1 IN IP4 203.0.113.9\r\ns=-\r\n"+
		"c=IN IP4 203.0.113.9\r\nt=0 0\r\n"+
		"m=audio 40000 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n")

	calls := 0
	install := func(isVideo bool) (hostapi.SRTPProfileName, string, error) {
		calls++
		return hostapi.ProfileAES128CM80, "d0RmdmcmVCAREiIzRFZXYgMjQzM4Ae", nil
	}

	rendered, err := Manipulate(ms, desc, false, "198.51.100.4", install)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Contains(t, rendered, "RTP/SAVP")
	require.Contains(t, rendered, "a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:")
	require.Equal(t, hostapi.ProfileAES128CM80, ms.Audio.CryptoProfile)
}

func TestManipulateStripsDTLSICETransportFromWebRTCOffer(t *testing.T) {
	ms := media.NewMediaSession()
	ms.Audio.Has = true
	ms.Audio.LocalRTPPort = 35000
	ms.Video.Has = true
	ms.Video.LocalRTPPort = 35002

	desc := parseSDP(t, "v=0\r\no=- 1 1 IN IP4 203.0.113.9\r\ns=-\r\n"+
		"c=IN IP4 203.0.113.9\r\nt=0 0\r\n"+
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=rtpmap:111 opus/48000/2\r\n"+
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\na=rtpmap:96 VP8/90000\r\n")

	rendered, err := Manipulate(ms, desc, false, "198.51.100.4", nil)
	require.NoError(t, err)
	require.Contains(t, rendered, "m=audio 35000 RTP/AVP 111")
	require.Contains(t, rendered, "m=video 35002 RTP/AVP 96")
	require.NotContains(t, rendered, "UDP/TLS")
	require.NotContains(t, rendered, "SAVPF")
}

func TestDetectHeaderExtensionsRecordsKnownURIs(t *testing.T) {
	ms := media.NewMediaSession()
	desc := parseSDP(t, "v=0\r\no=- 1 1 IN IP4 203.0.113.9\r\ns=-\r\n"+
		"c=IN IP4 203.0.113.9\r\nt=0 0\r\n"+
		"m=audio 40000 RTP/AVP 0\r\n"+
		"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n"+
		"a=rtpmap:0 PCMU/8000\r\n"+
		"m=video 40002 RTP/AVP 96\r\n"+
		"a=extmap:3 urn:3gpp:video-orientation\r\n"+
		"a=rtpmap:96 VP8/90000\r\n")

	DetectHeaderExtensions(ms, desc)

	require.Equal(t, 1, ms.AudioLevelExtID)
	require.Equal(t, 3, ms.VideoOrientationExtID)
}

func TestDetectHeaderExtensionsIgnoresUnknownURIs(t *testing.T) {
	ms := media.NewMediaSession()
	desc := parseSDP(t, "v=0\r\no=- 1 1 IN IP4 203.0.113.9\r\ns=-\r\n"+
		"c=IN IP4 203.0.113.9\r\nt=0 0\r\n"+
		"m=audio 40000 RTP/AVP 0\r\n"+
		"a=extmap:2 urn:ietf:params:rtp-hdrext:toffset\r\n"+
		"a=rtpmap:0 PCMU/8000\r\n")

	DetectHeaderExtensions(ms, desc)

	require.Equal(t, media.NoExtension, ms.AudioLevelExtID)
	require.Equal(t, media.NoExtension, ms.VideoOrientationExtID)
}
