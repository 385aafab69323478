package srtpctx

import (
	"testing"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func installPair(t *testing.T, profile hostapi.SRTPProfileName) (*Context, *Context) {
	t.Helper()
	offerer := New()
	_, inlineOffer, err := offerer.InstallLocal(profile)
	require.NoError(t, err)

	answerer := New()
	require.NoError(t, answerer.InstallRemote(profile, inlineOffer))
	answerInline := answerer.LocalInline()
	require.NotEmpty(t, answerInline)

	require.NoError(t, offerer.InstallRemote(profile, answerInline))

	require.True(t, offerer.Ready())
	require.True(t, answerer.Ready())
	return offerer, answerer
}

func TestProtectUnprotectRoundTrip(t *testing.T) {
	offerer, answerer := installPair(t, hostapi.ProfileAES128CM80)
	defer offerer.Cleanup()
	defer answerer.Cleanup()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: 42,
			Timestamp:      123456,
			SSRC:           0xC0FFEE,
		},
		Payload: []byte{1, 2, 3, 4, 5},
	}
	plaintext, err := pkt.Marshal()
	require.NoError(t, err)

	ciphertext, err := offerer.Protect(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := answerer.Unprotect(ciphertext)
	require.NoError(t, err)

	var out rtp.Packet
	require.NoError(t, out.Unmarshal(decrypted))
	require.Equal(t, pkt.Payload, out.Payload)
	require.Equal(t, pkt.SequenceNumber, out.SequenceNumber)
}

func TestProtectUnprotectRTCP(t *testing.T) {
	offerer, answerer := installPair(t, hostapi.ProfileAEADAES128GCM)
	defer offerer.Cleanup()
	defer answerer.Cleanup()

	pli := &rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 0xBEEF}
	plaintext, err := pli.Marshal()
	require.NoError(t, err)

	ciphertext, err := offerer.ProtectRTCP(plaintext)
	require.NoError(t, err)

	decrypted, err := answerer.UnprotectRTCP(ciphertext)
	require.NoError(t, err)

	pkts, err := rtcp.Unmarshal(decrypted)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	got, ok := pkts[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	require.Equal(t, pli.MediaSSRC, got.MediaSSRC)
}

func TestInstallRemoteRejectsWrongLength(t *testing.T) {
	c := New()
	err := c.InstallRemote(hostapi.ProfileAES128CM80, "dG9vc2hvcnQ=")
	require.Error(t, err)
	var berr *hostapi.BridgeError
	require.ErrorAs(t, err, &berr)
	require.Equal(t, hostapi.ErrInvalidElement, berr.Code)
}

func TestInstallRemoteMismatchedProfileRejected(t *testing.T) {
	offerer := New()
	_, inline, err := offerer.InstallLocal(hostapi.ProfileAES128CM80)
	require.NoError(t, err)

	answerer := New()
	require.NoError(t, answerer.InstallRemote(hostapi.ProfileAES128CM80, inline))

	err = offerer.InstallRemote(hostapi.ProfileAEADAES128GCM, answerer.LocalInline())
	require.Error(t, err)
}

func TestProtectBeforeInstallFails(t *testing.T) {
	c := New()
	_, err := c.Protect(make([]byte, 12))
	require.ErrorIs(t, err, ErrNotInstalled)
}
