package relay

import (
	"net"
	"testing"
	"time"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/arzzra/nosip_bridge/pkg/media"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

type noopUpcalls struct{}

func (noopUpcalls) RelayRTP(hostapi.SessionHandle, hostapi.RTPFrame)         {}
func (noopUpcalls) RelayRTCP(hostapi.SessionHandle, bool, []byte)           {}
func (noopUpcalls) SendPLI(hostapi.SessionHandle)                           {}
func (noopUpcalls) ClosePC(hostapi.SessionHandle)                           {}
func (noopUpcalls) NotifyEvent(hostapi.SessionHandle, map[string]any)       {}
func (noopUpcalls) EventsEnabled() bool                                     { return false }
func (noopUpcalls) PushEvent(hostapi.SessionHandle, string, map[string]any, *hostapi.JSEP) {}

// udpPair returns a connected local socket and the peer socket it talks
// to, so SendRTP/SendRTCP/RequestKeyframe can be exercised against a real
// datagram round trip without a network.
func udpPair(t *testing.T) (local, peer *net.UDPConn) {
	t.Helper()
	peerConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	localConn, err := net.DialUDP("udp", nil, peerConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	return localConn, peerConn
}

func newTestSession(t *testing.T) *media.Session {
	t.Helper()
	s := media.NewSession("test-handle")
	return s
}

func TestSendRTPWritesToSocketAndLearnsSSRC(t *testing.T) {
	s := newTestSession(t)
	local, peer := udpPair(t)
	defer local.Close()
	defer peer.Close()

	s.Media.Audio.Has = true
	s.Media.Audio.Send = true
	s.Media.Audio.RTPConn = local
	s.Media.Audio.PT = 111

	r := New(s, noopUpcalls{})

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: 10,
			Timestamp:      1000,
			SSRC:           0xAAAA,
		},
		Payload: []byte{9, 9, 9},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	r.SendRTP(false, raw)

	peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, err := peer.Read(buf)
	require.NoError(t, err)

	var got rtp.Packet
	require.NoError(t, got.Unmarshal(buf[:n]))
	require.Equal(t, []byte{9, 9, 9}, got.Payload)
	require.Equal(t, uint8(0), got.PayloadType)
	require.Equal(t, uint32(0xAAAA), got.SSRC)
	require.Equal(t, uint32(0xAAAA), s.Media.Audio.SSRC)
}

func TestSendRTPDroppedWhenNotSending(t *testing.T) {
	s := newTestSession(t)
	local, peer := udpPair(t)
	defer local.Close()
	defer peer.Close()

	s.Media.Audio.Has = true
	s.Media.Audio.Send = false
	s.Media.Audio.RTPConn = local

	r := New(s, noopUpcalls{})

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SSRC: 1}, Payload: []byte{1}}
	raw, _ := pkt.Marshal()
	r.SendRTP(false, raw)

	peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 64)
	_, err := peer.Read(buf)
	require.Error(t, err)
}

func TestSendRTPDropsNonSimulcastBaseLayer(t *testing.T) {
	s := newTestSession(t)
	local, peer := udpPair(t)
	defer local.Close()
	defer peer.Close()

	s.Media.Video.Has = true
	s.Media.Video.Send = true
	s.Media.Video.RTPConn = local
	s.Media.SimulcastSSRC = 0x1111

	r := New(s, noopUpcalls{})

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SSRC: 0x2222}, Payload: []byte{1}}
	raw, _ := pkt.Marshal()
	r.SendRTP(true, raw)

	peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 64)
	_, err := peer.Read(buf)
	require.Error(t, err)
}

func TestRequestKeyframeSendsPLI(t *testing.T) {
	s := newTestSession(t)
	local, peer := udpPair(t)
	defer local.Close()
	defer peer.Close()

	s.Media.Video.Has = true
	s.Media.Video.RTCPConn = local
	s.Media.Video.SSRC = 0x1234
	s.Media.Video.SSRCPeer = 0x5678
	s.Media.VideoPLISupported = true

	r := New(s, noopUpcalls{})
	require.True(t, r.RequestKeyframe())

	peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, err := peer.Read(buf)
	require.NoError(t, err)

	pkts, err := rtcp.Unmarshal(buf[:n])
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	pli, ok := pkts[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	require.Equal(t, uint32(0x1234), pli.SenderSSRC)
	require.Equal(t, uint32(0x5678), pli.MediaSSRC)
}

func TestRequestKeyframeSkippedWithoutPLISupport(t *testing.T) {
	s := newTestSession(t)
	local, peer := udpPair(t)
	defer local.Close()
	defer peer.Close()

	s.Media.Video.Has = true
	s.Media.Video.RTCPConn = local
	s.Media.VideoPLISupported = false

	r := New(s, noopUpcalls{})
	require.False(t, r.RequestKeyframe())
}

func TestSendRTCPRewritesSenderReportSSRCs(t *testing.T) {
	s := newTestSession(t)
	local, peer := udpPair(t)
	defer local.Close()
	defer peer.Close()

	s.Media.Audio.Has = true
	s.Media.Audio.RTCPConn = local
	s.Media.Audio.SSRC = 0xAAAA
	s.Media.Audio.SSRCPeer = 0xBBBB

	r := New(s, noopUpcalls{})

	sr := &rtcp.SenderReport{
		SSRC:    0x1111,
		Reports: []rtcp.ReceptionReport{{SSRC: 0x2222}},
	}
	raw, err := sr.Marshal()
	require.NoError(t, err)

	r.SendRTCP(false, raw)

	peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, err := peer.Read(buf)
	require.NoError(t, err)

	pkts, err := rtcp.Unmarshal(buf[:n])
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	got, ok := pkts[0].(*rtcp.SenderReport)
	require.True(t, ok)
	require.Equal(t, uint32(0xAAAA), got.SSRC)
	require.Len(t, got.Reports, 1)
	require.Equal(t, uint32(0xBBBB), got.Reports[0].SSRC)
}

func TestDecodeVideoOrientation(t *testing.T) {
	cases := []struct {
		name     string
		byte     byte
		rotation int
		back     bool
		flipped  bool
	}{
		{"front-0", 0x00, 0, false, false},
		{"front-90", 0x01, 90, false, false},
		{"front-180", 0x02, 180, false, false},
		{"front-270", 0x03, 270, false, false},
		{"back-flipped-0", 0x0C, 0, true, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rot, back, flip, ok := decodeVideoOrientation([]byte{c.byte})
			require.True(t, ok)
			require.Equal(t, c.rotation, rot)
			require.Equal(t, c.back, back)
			require.Equal(t, c.flipped, flip)
		})
	}
}

func TestExtractExtensionsAudioLevel(t *testing.T) {
	ms := media.NewMediaSession()
	ms.AudioLevelExtID = 1

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SSRC: 1}, Payload: []byte{0}}
	level := rtp.AudioLevelExtension{Level: 42, Voice: true}
	ext, err := level.Marshal()
	require.NoError(t, err)
	require.NoError(t, pkt.SetExtension(1, ext))

	got := extractExtensions(ms, &pkt.Header)
	require.True(t, got.HasAudioLevel)
	require.True(t, got.VAD)
	require.Equal(t, uint8(42), got.AudioLevel)
}

func TestExtractExtensionsAbsentWhenIDNotConfigured(t *testing.T) {
	ms := media.NewMediaSession()
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SSRC: 1}, Payload: []byte{0}}
	got := extractExtensions(ms, &pkt.Header)
	require.False(t, got.HasAudioLevel)
	require.False(t, got.HasVideoOrientation)
}

