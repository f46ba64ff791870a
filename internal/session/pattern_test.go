package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fourCones() []ColoredDevice {
	return []ColoredDevice{
		{DeviceID: "d1", Name: "cone 1", Color: "red"},
		{DeviceID: "d2", Name: "cone 2", Color: "yellow"},
		{DeviceID: "d3", Name: "cone 3", Color: "blue"},
		{DeviceID: "d4", Name: "cone 4", Color: "green"},
	}
}

func TestGenerateNoConsecutiveRepeats(t *testing.T) {
	g := NewGenerator(1)
	for i := 0; i < 200; i++ {
		p, err := g.Generate(fourCones(), 8, true)
		require.NoError(t, err)
		for j := 1; j < len(p.DeviceIDs); j++ {
			require.NotEqual(t, p.DeviceIDs[j-1], p.DeviceIDs[j],
				"consecutive repeat in %v", p.DeviceIDs)
		}
	}
}

func TestGenerateDeterministicPerSeed(t *testing.T) {
	a := NewGenerator(42)
	b := NewGenerator(42)
	for i := 0; i < 20; i++ {
		pa, err := a.Generate(fourCones(), 5, true)
		require.NoError(t, err)
		pb, err := b.Generate(fourCones(), 5, true)
		require.NoError(t, err)
		require.Equal(t, pa.DeviceIDs, pb.DeviceIDs)
	}
}

func TestGenerateClampsLength(t *testing.T) {
	g := NewGenerator(7)

	p, err := g.Generate(fourCones(), 2, true)
	require.NoError(t, err)
	require.Len(t, p.DeviceIDs, 3)

	p, err = g.Generate(fourCones(), 9, true)
	require.NoError(t, err)
	require.Len(t, p.DeviceIDs, 8)
}

func TestGenerateForcesRepeatsWhenTooFewDevices(t *testing.T) {
	g := NewGenerator(7)
	// 6 steps over 4 devices cannot be repeat-free.
	p, err := g.Generate(fourCones(), 6, false)
	require.NoError(t, err)
	require.Len(t, p.DeviceIDs, 6)
}

func TestGenerateWithoutRepeatsUsesDistinctDevices(t *testing.T) {
	g := NewGenerator(3)
	p, err := g.Generate(fourCones(), 4, false)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, id := range p.DeviceIDs {
		require.False(t, seen[id], "device %s repeated", id)
		seen[id] = true
	}
}

func TestGenerateAvoidsBackToBackIdenticalPatterns(t *testing.T) {
	g := NewGenerator(11)
	prev, err := g.Generate(fourCones(), 3, true)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		p, err := g.Generate(fourCones(), 3, true)
		require.NoError(t, err)
		require.NotEqual(t, prev.DeviceIDs, p.DeviceIDs)
		prev = p
	}
}

func TestGenerateDescription(t *testing.T) {
	g := NewGenerator(5)
	p, err := g.Generate(fourCones(), 4, true)
	require.NoError(t, err)
	require.NotEmpty(t, p.Description)
	require.Regexp(t, `^[A-Z]+(→[A-Z]+){3}$`, p.Description)
}

func TestGenerateNoDevices(t *testing.T) {
	g := NewGenerator(1)
	_, err := g.Generate(nil, 4, true)
	require.Error(t, err)
}
