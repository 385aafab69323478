package media

import "github.com/pion/rtp"

// SwitchingContext normalizes the RTP sequence numbers and timestamps
// relayed upward from a peer across a changing source SSRC. Without it,
// a mid-call SSRC change (simulcast restart, peer reconnect) would make
// the sequence/timestamp series jump, confusing the host side's jitter
// buffer.
type SwitchingContext struct {
	initialized bool
	lastSSRC    uint32
	seqOffset   int32
	tsOffset    int32
	lastSeq     uint16
	lastTS      uint32
}

// tsStep is the fallback timestamp increment assumed across an SSRC
// switch when the new stream's own clock rate can't be inferred from a
// single packet. 960 matches a 20ms frame at 48kHz, audio's common case;
// video sources recompute their own offset from actual timestamps on the
// next few packets in practice, but a single fallback step keeps this
// pass dependency-free.
const tsStep = 960

// Apply rewrites header in place so that, from the receiver's
// perspective, sequence numbers and timestamps continue monotonically
// even though header.SSRC is about to be replaced by the session's
// stored peer SSRC.
func (c *SwitchingContext) Apply(header *rtp.Header) {
	if !c.initialized {
		c.lastSSRC = header.SSRC
		c.lastSeq = header.SequenceNumber
		c.lastTS = header.Timestamp
		c.initialized = true
		return
	}
	if header.SSRC != c.lastSSRC {
		c.seqOffset = int32(c.lastSeq) + 1 - int32(header.SequenceNumber)
		c.tsOffset = int32(c.lastTS) + tsStep - int32(header.Timestamp)
		c.lastSSRC = header.SSRC
	}
	header.SequenceNumber = uint16(int32(header.SequenceNumber) + c.seqOffset)
	header.Timestamp = uint32(int32(header.Timestamp) + c.tsOffset)
	c.lastSeq = header.SequenceNumber
	c.lastTS = header.Timestamp
}

// Reset clears all learned offsets. ResetMedia does not call it; it
// zeroes the whole context as part of clearing each medium.
func (c *SwitchingContext) Reset() {
	*c = SwitchingContext{}
}
