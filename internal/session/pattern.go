package session

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ColoredDevice is one cone eligible for pattern steps: a non-controller
// course action carrying an explicit color tag.
type ColoredDevice struct {
	DeviceID string
	Name     string
	Color    string
}

// Pattern is one athlete's generated memory sequence.
type Pattern struct {
	Steps       []ColoredDevice
	DeviceIDs   []string
	Description string
}

func (p *Pattern) sameAs(other *Pattern) bool {
	if other == nil || len(p.DeviceIDs) != len(other.DeviceIDs) {
		return false
	}
	for i := range p.DeviceIDs {
		if p.DeviceIDs[i] != other.DeviceIDs[i] {
			return false
		}
	}
	return true
}

const (
	minPatternLength = 3
	maxPatternLength = 8
)

// Generator produces random cone sequences. It remembers the last
// pattern it returned and avoids repeating it verbatim, so consecutive
// athletes don't get the same sequence by chance.
type Generator struct {
	rng  *rand.Rand
	prev *Pattern
}

// NewGenerator seeds a generator; seed 0 means time-seeded.
func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Generate builds a pattern of length steps over devices. Length is
// clamped to [3, 8]; allowRepeats is forced on when the length exceeds
// the device count (otherwise no valid pattern exists).
func (g *Generator) Generate(devices []ColoredDevice, length int, allowRepeats bool) (*Pattern, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("session: no colored devices to build a pattern from")
	}
	if length < minPatternLength {
		length = minPatternLength
	}
	if length > maxPatternLength {
		length = maxPatternLength
	}
	if length > len(devices) {
		allowRepeats = true
	}

	var p *Pattern
	for attempt := 0; attempt < 10; attempt++ {
		p = g.generateOnce(devices, length, allowRepeats)
		if !p.sameAs(g.prev) {
			break
		}
	}
	g.prev = p
	return p, nil
}

func (g *Generator) generateOnce(devices []ColoredDevice, length int, allowRepeats bool) *Pattern {
	var steps []ColoredDevice
	if allowRepeats {
		steps = make([]ColoredDevice, 0, length)
		prevIdx := -1
		for i := 0; i < length; i++ {
			idx := g.rng.Intn(len(devices))
			// No two consecutive steps on the same cone, even with
			// repeats on; back-to-back chases on one device render as a
			// single long animation and athletes miss the second step.
			for len(devices) > 1 && idx == prevIdx {
				idx = g.rng.Intn(len(devices))
			}
			steps = append(steps, devices[idx])
			prevIdx = idx
		}
	} else {
		if length > len(devices) {
			length = len(devices)
		}
		perm := g.rng.Perm(len(devices))
		steps = make([]ColoredDevice, 0, length)
		for _, idx := range perm[:length] {
			steps = append(steps, devices[idx])
		}
	}

	ids := make([]string, len(steps))
	colors := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.DeviceID
		colors[i] = strings.ToUpper(s.Color)
	}
	return &Pattern{
		Steps:       steps,
		DeviceIDs:   ids,
		Description: strings.Join(colors, "→"),
	}
}
