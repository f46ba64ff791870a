// Package command converts registry-level intents (set LED, play a
// clip, assign an action, stop) into framed messages on the right
// connection, and short-circuits the controller's own virtual cone to
// local drivers.
package command

import (
	"github.com/agilityfleet/conectl/internal/log"
	"github.com/agilityfleet/conectl/internal/metrics"
	"github.com/agilityfleet/conectl/internal/protocol"
	"github.com/agilityfleet/conectl/internal/registry"
)

// LEDDriver drives the controller's local LED strip when hardware is
// present; NoopLED stands in otherwise.
type LEDDriver interface {
	Set(pattern protocol.LEDPattern) error
}

// AudioPlayer plays a clip on the controller's local speaker.
type AudioPlayer interface {
	Play(clip string) error
}

// NoopLED is the hardware-absent LED driver.
type NoopLED struct{}

func (NoopLED) Set(protocol.LEDPattern) error { return nil }

// NoopAudio is the hardware-absent audio player.
type NoopAudio struct{}

func (NoopAudio) Play(string) error { return nil }

// Emitter sends command frames through registry writers.
type Emitter struct {
	reg        *registry.Registry
	localLED   LEDDriver
	localAudio AudioPlayer
}

// New wires an emitter. Nil drivers default to no-ops.
func New(reg *registry.Registry, led LEDDriver, audio AudioPlayer) *Emitter {
	if led == nil {
		led = NoopLED{}
	}
	if audio == nil {
		audio = NoopAudio{}
	}
	return &Emitter{reg: reg, localLED: led, localAudio: audio}
}

// LED commands an LED pattern and latches it in the registry so
// heartbeat acks converge devices that missed the frame.
func (e *Emitter) LED(nodeID string, pattern protocol.LEDPattern) bool {
	if nodeID == e.reg.ControllerID() {
		if err := e.localLED.Set(pattern); err != nil {
			logger := log.WithComponent("command")
			logger.Warn().Err(err).Str("pattern", string(pattern)).Msg("local LED driver failed")
		}
		e.reg.RecordLED(nodeID, pattern)
		metrics.RecordCommand(protocol.CmdLED, "local")
		return true
	}
	ok := e.send(nodeID, protocol.CmdLED, protocol.LEDCommand(pattern))
	if ok {
		e.reg.RecordLED(nodeID, pattern)
	}
	return ok
}

// RecordLED updates the registry's latched pattern without sending a
// frame. Used after client-side chases self-terminate, so the next
// heartbeat ack does not resend a stale animation.
func (e *Emitter) RecordLED(nodeID string, pattern protocol.LEDPattern) {
	e.reg.RecordLED(nodeID, pattern)
}

// Audio commands an audio clip by name (extension omitted).
func (e *Emitter) Audio(nodeID, clip string) bool {
	if nodeID == e.reg.ControllerID() {
		if err := e.localAudio.Play(clip); err != nil {
			logger := log.WithComponent("command")
			logger.Warn().Err(err).Str("clip", clip).Msg("local audio player failed")
		}
		e.reg.RecordAudio(nodeID, clip)
		metrics.RecordCommand(protocol.CmdAudio, "local")
		return true
	}
	ok := e.send(nodeID, protocol.CmdAudio, protocol.AudioCommand(clip))
	if ok {
		e.reg.RecordAudio(nodeID, clip)
	}
	return ok
}

// Start activates the node's assigned behavior.
func (e *Emitter) Start(nodeID string) bool {
	if nodeID == e.reg.ControllerID() {
		return true
	}
	return e.send(nodeID, protocol.CmdStart, protocol.StartCommand())
}

// Stop halts the node's behavior and clears its action.
func (e *Emitter) Stop(nodeID string, status protocol.CourseStatus) bool {
	if nodeID == e.reg.ControllerID() {
		return true
	}
	return e.send(nodeID, protocol.CmdStop, protocol.StopCommand(status))
}

// Deploy sends the deploy envelope assigning an action for a course.
func (e *Emitter) Deploy(nodeID, action, course string) bool {
	if nodeID == e.reg.ControllerID() {
		return true
	}
	return e.send(nodeID, "deploy", protocol.DeployCommand(action, course))
}

// Calibrate sets the node's touch threshold out-of-band.
func (e *Emitter) Calibrate(nodeID string, threshold float64) bool {
	return e.send(nodeID, protocol.CmdCalibrate, protocol.CalibrateCommand(threshold))
}

func (e *Emitter) send(nodeID, cmd string, frame any) bool {
	ok := e.reg.SendFrame(nodeID, frame)
	if ok {
		metrics.RecordCommand(cmd, "ok")
	} else {
		metrics.RecordCommand(cmd, "failed")
		logger := log.WithComponent("command")
		logger.Warn().
			Str("node_id", nodeID).
			Str("cmd", cmd).
			Msg("command dropped, node offline")
	}
	return ok
}
