package media

// ResetMedia clears remote IPs, codec selections, direction flags,
// switching contexts, and header-extension ids. It never touches
// sockets or SRTP contexts — those are CleanupMedia's job — so an
// in-progress relay can keep reading/writing through a reset.
func ResetMedia(ms *MediaSession) {
	ms.RemoteAudioIP = ""
	ms.RemoteVideoIP = ""

	ms.Audio.reset()
	ms.Video.reset()

	ms.OpusREDPT = NoREDPayload
	ms.SimulcastSSRC = 0
	ms.VideoPLISupported = false
	ms.VideoOrientationExtID = NoExtension
	ms.AudioLevelExtID = NoExtension
}

// ResetSRTP tears down both media's SRTP contexts and clears the
// session's SRTP negotiation flags, without touching sockets or any
// other negotiated state. Called before re-offering on a fresh (non-
// update) generate, so a prior call's key material never leaks into
// the next negotiation. Callers must hold the owning Session's mutex.
func ResetSRTP(ms *MediaSession) {
	for _, m := range []*MediumData{&ms.Audio, &ms.Video} {
		if m.SRTP != nil {
			m.SRTP.Cleanup()
			m.SRTP = nil
		}
		m.CryptoTag = 0
		m.CryptoProfile = ""
	}
	ms.RequireSRTP = false
	ms.HasSRTPLocal = false
	ms.HasSRTPRemote = false
	ms.SRTPProfile = ""
}

// CleanupMedia closes every media socket, zeroes local/remote ports and
// SSRCs, cleans up both SRTP contexts, then calls ResetMedia. Callers
// must hold the owning Session's mutex.
func CleanupMedia(ms *MediaSession) {
	for _, m := range []*MediumData{&ms.Audio, &ms.Video} {
		if m.RTPConn != nil {
			m.RTPConn.Close()
			m.RTPConn = nil
		}
		if m.RTCPConn != nil {
			m.RTCPConn.Close()
			m.RTCPConn = nil
		}
		if m.SRTP != nil {
			m.SRTP.Cleanup()
			m.SRTP = nil
		}
		m.LocalRTPPort, m.LocalRTCPPort = 0, 0
		m.RemoteRTPPort, m.RemoteRTCPPort = 0, 0
		m.SSRC, m.SSRCPeer = 0, 0
	}
	ms.HasSRTPLocal = false
	ms.HasSRTPRemote = false
	ms.SRTPProfile = ""
	ResetMedia(ms)
}
