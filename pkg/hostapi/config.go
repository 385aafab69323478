package hostapi

import (
	"fmt"
	"strconv"
	"strings"
)

// PortRange is the inclusive RTP port range the bridge allocates from.
// Min is forced even by NormalizePortRange; Max-Min must leave room for
// at least one RTP/RTCP pair.
type PortRange struct {
	Min int
	Max int
}

// Config collects the options the bridge recognizes. Loading it from a
// file or flag set is the embedding host's job; this struct is only the
// typed destination of that load.
type Config struct {
	// LocalIP is the interface address media sockets bind to. Empty means
	// bind the wildcard address of the preferred family.
	LocalIP string
	// SDPIP is the address advertised in rewritten descriptions. Empty
	// defaults to LocalIP.
	SDPIP string
	// RTPPortRange is the "min-max" allocation range; defaults to
	// 10000-60000 when unset.
	RTPPortRange PortRange
	// Events enables host event notifications via NotifyEvent.
	Events bool
	// DSCPAudioRTP / DSCPVideoRTP are non-negative DSCP values applied as
	// value<<2 to IP_TOS on the respective RTP sockets. Zero disables.
	DSCPAudioRTP int
	DSCPVideoRTP int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RTPPortRange: PortRange{Min: 10000, Max: 60000},
	}
}

// ParsePortRange parses a "min-max" string, forcing min even and swapping
// the bounds if given reversed.
func ParsePortRange(s string) (PortRange, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return PortRange{}, fmt.Errorf("rtp_port_range: expected \"min-max\", got %q", s)
	}
	min, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return PortRange{}, fmt.Errorf("rtp_port_range: invalid min: %w", err)
	}
	max, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return PortRange{}, fmt.Errorf("rtp_port_range: invalid max: %w", err)
	}
	return NormalizePortRange(PortRange{Min: min, Max: max}), nil
}

// NormalizePortRange forces Min even and swaps Min/Max if reversed.
func NormalizePortRange(r PortRange) PortRange {
	if r.Min > r.Max {
		r.Min, r.Max = r.Max, r.Min
	}
	if r.Min%2 != 0 {
		r.Min++
	}
	return r
}

// Validate applies the finalized config's invariants: a usable SDP IP
// fallback and a port range wide enough for at least one pair.
func (c *Config) Validate() error {
	if c.SDPIP == "" {
		c.SDPIP = c.LocalIP
	}
	if c.RTPPortRange.Min == 0 && c.RTPPortRange.Max == 0 {
		c.RTPPortRange = PortRange{Min: 10000, Max: 60000}
	}
	c.RTPPortRange = NormalizePortRange(c.RTPPortRange)
	if c.RTPPortRange.Max-c.RTPPortRange.Min < 2 {
		return fmt.Errorf("rtp_port_range too narrow: %d-%d", c.RTPPortRange.Min, c.RTPPortRange.Max)
	}
	if c.DSCPAudioRTP < 0 || c.DSCPVideoRTP < 0 {
		return fmt.Errorf("dscp values must be non-negative")
	}
	return nil
}
