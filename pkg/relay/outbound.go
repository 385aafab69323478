package relay

import (
	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// SendRTP is the outbound path: a packet the WebRTC side produced is
// checked against the medium's send direction and simulcast base-layer
// rule, protected if SRTP is active, tapped to the user-side recorder,
// and written to the connected socket as-is. The switching context only
// runs on the inbound (peer-to-host) direction; the host's own SSRC and
// sequence numbering are left untouched here. A send that hits any of
// these gates, or fails at the socket, is dropped silently — the caller
// has no per-packet error channel to report to.
func (r *Relay) SendRTP(isVideo bool, packet []byte) {
	ms := r.session.Media
	m := ms.Medium(isVideo)

	var header rtp.Header
	n, err := header.Unmarshal(packet)
	if err != nil {
		return
	}
	payload := packet[n:]

	r.session.Lock()
	if !m.Has || !m.Send || m.RTPConn == nil {
		r.session.Unlock()
		return
	}

	if ms.SimulcastSSRC != 0 && header.SSRC != ms.SimulcastSSRC {
		r.session.Unlock()
		return
	}

	if m.SSRC == 0 {
		m.SSRC = header.SSRC
	}

	conn := m.RTPConn
	srtpCtx := m.SRTP
	useSRTP := ms.HasSRTPLocal || ms.HasSRTPRemote
	r.session.Unlock()

	r.tapUserRecorder(isVideo, payload, header.Timestamp)
	r.metrics.RelayPacket(isVideo, false, false)

	out := packet
	if useSRTP && srtpCtx != nil {
		out, err = srtpCtx.Protect(out)
		if err != nil {
			r.log.Printf("srtp protect dropped (medium video=%v): %v", isVideo, err)
			return
		}
	}

	_, _ = conn.Write(out)
}

// SendRTCP is the RTCP half of the outbound path. Before protecting and
// sending, it rewrites the sender SSRC and every per-report SSRC in the
// compound packet to the SSRCs this medium actually uses on the wire —
// the WebRTC side's own SSRCs rarely match what the peer was told to
// expect, so a report that named them unmodified would describe the
// wrong stream.
func (r *Relay) SendRTCP(isVideo bool, buf []byte) {
	ms := r.session.Media
	m := ms.Medium(isVideo)

	r.session.Lock()
	if !m.Has || m.RTCPConn == nil {
		r.session.Unlock()
		return
	}
	conn := m.RTCPConn
	srtpCtx := m.SRTP
	useSRTP := ms.HasSRTPLocal || ms.HasSRTPRemote
	localSSRC := m.SSRC
	peerSSRC := m.SSRCPeer
	r.session.Unlock()

	out := fixRTCPSSRCs(buf, localSSRC, peerSSRC)
	r.metrics.RelayPacket(isVideo, true, false)

	if useSRTP && srtpCtx != nil {
		var err error
		out, err = srtpCtx.ProtectRTCP(out)
		if err != nil {
			r.log.Printf("srtcp protect dropped (medium video=%v): %v", isVideo, err)
			return
		}
	}

	_, _ = conn.Write(out)
}

// fixRTCPSSRCs rewrites the sender SSRC on every sender/receiver report
// in a compound RTCP packet to localSSRC, and every per-report SSRC
// (identifying the stream the report describes) to peerSSRC. It returns
// buf unmodified if the packet doesn't parse as RTCP, or if either SSRC
// is still unlearned.
func fixRTCPSSRCs(buf []byte, localSSRC, peerSSRC uint32) []byte {
	if localSSRC == 0 || peerSSRC == 0 {
		return buf
	}
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		return buf
	}
	changed := false
	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *rtcp.SenderReport:
			p.SSRC = localSSRC
			for i := range p.Reports {
				p.Reports[i].SSRC = peerSSRC
			}
			changed = true
		case *rtcp.ReceiverReport:
			p.SSRC = localSSRC
			for i := range p.Reports {
				p.Reports[i].SSRC = peerSSRC
			}
			changed = true
		}
	}
	if !changed {
		return buf
	}
	fixed, err := rtcp.Marshal(packets)
	if err != nil {
		return buf
	}
	return fixed
}

func (r *Relay) tapUserRecorder(isVideo bool, payload []byte, ts uint32) {
	r.session.LockRecorders()
	defer r.session.UnlockRecorders()
	var rec hostapi.Recorder
	if isVideo {
		rec = r.session.Recorders.UserVideo
	} else {
		rec = r.session.Recorders.UserAudio
	}
	if rec != nil {
		_ = rec.Write(payload, ts)
	}
}
