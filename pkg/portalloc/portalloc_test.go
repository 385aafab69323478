package portalloc

import (
	"testing"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/stretchr/testify/require"
)

func TestAllocatePairEvenRTP(t *testing.T) {
	a := New(hostapi.PortRange{Min: 20000, Max: 20020}, FamilyIPv4, "127.0.0.1")

	pair, err := a.AllocatePair(0)
	require.NoError(t, err)
	defer pair.Close()

	require.Zero(t, pair.RTPPort%2, "RTP port must be even")
	require.Equal(t, pair.RTPPort+1, pair.RTCPPort)
}

func TestAllocatePairNeverRepeatsInOneScan(t *testing.T) {
	a := New(hostapi.PortRange{Min: 20100, Max: 20110}, FamilyIPv4, "127.0.0.1")

	seen := map[int]bool{}
	var pairs []*Pair
	for i := 0; i < 5; i++ {
		p, err := a.AllocatePair(0)
		require.NoError(t, err)
		require.False(t, seen[p.RTPPort], "port pair reused within a single scan")
		seen[p.RTPPort] = true
		pairs = append(pairs, p)
	}
	for _, p := range pairs {
		p.Close()
	}
}

func TestAllocatePairExhaustion(t *testing.T) {
	a := New(hostapi.PortRange{Min: 20200, Max: 20202}, FamilyIPv4, "127.0.0.1")

	p1, err := a.AllocatePair(0)
	require.NoError(t, err)
	defer p1.Close()

	_, err = a.AllocatePair(0)
	require.ErrorIs(t, err, ErrPortsExhausted)
}

func TestAllocatePairWrapsAfterRelease(t *testing.T) {
	a := New(hostapi.PortRange{Min: 20300, Max: 20302}, FamilyIPv4, "127.0.0.1")

	p1, err := a.AllocatePair(0)
	require.NoError(t, err)
	firstPort := p1.RTPPort
	p1.Close()

	p2, err := a.AllocatePair(0)
	require.NoError(t, err)
	defer p2.Close()
	require.Equal(t, firstPort, p2.RTPPort, "cursor should wrap back onto the released pair")
}
