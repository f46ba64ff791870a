package command

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agilityfleet/conectl/internal/protocol"
	"github.com/agilityfleet/conectl/internal/registry"
)

type recordingLED struct {
	patterns []protocol.LEDPattern
	err      error
}

func (d *recordingLED) Set(p protocol.LEDPattern) error {
	d.patterns = append(d.patterns, p)
	return d.err
}

type recordingAudio struct {
	clips []string
}

func (d *recordingAudio) Play(clip string) error {
	d.clips = append(d.clips, clip)
	return nil
}

type frameSink struct {
	frames []any
	err    error
}

func (s *frameSink) WriteFrame(v any) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, v)
	return nil
}

func TestLEDControllerShortCircuitsToLocalDriver(t *testing.T) {
	reg := registry.New(time.Minute, "ctrl")
	led := &recordingLED{}
	e := New(reg, led, nil)

	require.True(t, e.LED("ctrl", protocol.LEDSolidGreen))
	require.Equal(t, []protocol.LEDPattern{protocol.LEDSolidGreen}, led.patterns)

	latched, _ := reg.CommandedState("ctrl")
	require.Equal(t, protocol.LEDSolidGreen, latched)
}

func TestLEDControllerDriverFailureStillLatches(t *testing.T) {
	reg := registry.New(time.Minute, "ctrl")
	led := &recordingLED{err: errors.New("gpio busy")}
	e := New(reg, led, nil)

	require.True(t, e.LED("ctrl", protocol.LEDSolidRed))
	latched, _ := reg.CommandedState("ctrl")
	require.Equal(t, protocol.LEDSolidRed, latched)
}

func TestLEDRemoteLatchesOnlyOnDelivery(t *testing.T) {
	reg := registry.New(time.Minute, "ctrl")
	e := New(reg, nil, nil)

	require.False(t, e.LED("d1", protocol.LEDSolidBlue), "no writer attached")
	latched, _ := reg.CommandedState("d1")
	require.Empty(t, latched)

	sink := &frameSink{}
	reg.SetWriter("d1", sink)
	require.True(t, e.LED("d1", protocol.LEDSolidBlue))
	require.Len(t, sink.frames, 1)
	latched, _ = reg.CommandedState("d1")
	require.Equal(t, protocol.LEDSolidBlue, latched)
}

func TestAudioControllerPlaysLocally(t *testing.T) {
	reg := registry.New(time.Minute, "ctrl")
	audio := &recordingAudio{}
	e := New(reg, nil, audio)

	require.True(t, e.Audio("ctrl", "nova_go"))
	require.Equal(t, []string{"nova_go"}, audio.clips)
	_, clip := reg.CommandedState("ctrl")
	require.Equal(t, "nova_go", clip)
}

func TestRecordLEDLatchesWithoutSending(t *testing.T) {
	reg := registry.New(time.Minute, "ctrl")
	sink := &frameSink{}
	reg.SetWriter("d1", sink)
	e := New(reg, nil, nil)

	e.RecordLED("d1", protocol.LEDSolidYellow)
	require.Empty(t, sink.frames)
	latched, _ := reg.CommandedState("d1")
	require.Equal(t, protocol.LEDSolidYellow, latched)
}

func TestStartStopControllerAreNoops(t *testing.T) {
	reg := registry.New(time.Minute, "ctrl")
	e := New(reg, nil, nil)

	// The virtual cone has no connection; commands to it must succeed
	// without touching any writer.
	require.True(t, e.Start("ctrl"))
	require.True(t, e.Stop("ctrl", protocol.CourseDeployed))
	require.True(t, e.Deploy("ctrl", "start", "Course A"))
}

func TestStopCarriesCourseStatus(t *testing.T) {
	reg := registry.New(time.Minute, "ctrl")
	sink := &frameSink{}
	reg.SetWriter("d1", sink)
	e := New(reg, nil, nil)

	require.True(t, e.Stop("d1", protocol.CourseDeployed))
	require.Len(t, sink.frames, 1)
	cmd, ok := sink.frames[0].(protocol.Command)
	require.True(t, ok)
	require.Equal(t, protocol.CmdStop, cmd.Cmd)
	require.Equal(t, protocol.CourseDeployed, cmd.CourseStatus)
}

func TestCalibrateDropsWhenOffline(t *testing.T) {
	reg := registry.New(time.Minute, "ctrl")
	e := New(reg, nil, nil)

	require.False(t, e.Calibrate("d9", 0.42))
}
