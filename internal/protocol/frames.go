// Package protocol defines the newline-delimited JSON wire format spoken
// between the controller and the cones.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// CourseStatus is the fleet-wide course lifecycle state echoed to cones.
type CourseStatus string

const (
	CourseInactive CourseStatus = "Inactive"
	CourseDeployed CourseStatus = "Deployed"
	CourseActive   CourseStatus = "Active"
)

// Heartbeat is a cone → controller report.
//
// led_pattern and audio_clip are intentionally absent from this type:
// LED and audio state flow controller → device only. Accepting them from
// heartbeats lets a device clear controller-assigned state, so the
// decoder simply never sees those fields.
type Heartbeat struct {
	NodeID               string          `json:"node_id"`
	Status               string          `json:"status,omitempty"`
	Timestamp            float64         `json:"timestamp,omitempty"`
	Sensors              json.RawMessage `json:"sensors,omitempty"`
	BatteryLevel         *float64        `json:"battery_level,omitempty"`
	AccelerometerWorking bool            `json:"accelerometer_working,omitempty"`
	AudioWorking         bool            `json:"audio_working,omitempty"`
	Action               string          `json:"action,omitempty"`
	TouchDetected        bool            `json:"touch_detected,omitempty"`
	TouchTimestamp       float64         `json:"touch_timestamp,omitempty"`
	ClockSkewMS          *float64        `json:"clock_skew_ms,omitempty"`
	FirstConnect         bool            `json:"first_connect,omitempty"`
}

// Ack is the controller → cone reply written after every heartbeat.
type Ack struct {
	Ack           bool         `json:"ack"`
	Action        *string      `json:"action"`
	CourseStatus  CourseStatus `json:"course_status"`
	Timestamp     string       `json:"timestamp"`
	MasterTime    int64        `json:"master_time"`
	MeshNetwork   string       `json:"mesh_network"`
	ServerVersion string       `json:"server_version"`
	LEDPattern    LEDPattern   `json:"led_pattern,omitempty"`
	AudioClip     string       `json:"audio_clip,omitempty"`
	Resync        bool         `json:"resync,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// Command is a single controller → cone instruction frame.
type Command struct {
	Cmd          string       `json:"cmd,omitempty"`
	Pattern      LEDPattern   `json:"pattern,omitempty"`
	Clip         string       `json:"clip,omitempty"`
	Action       *string      `json:"action,omitempty"`
	CourseStatus CourseStatus `json:"course_status,omitempty"`
	Threshold    *float64     `json:"threshold,omitempty"`

	// Deploy envelope fields.
	Deploy bool   `json:"deploy,omitempty"`
	Course string `json:"course,omitempty"`
}

const (
	CmdLED       = "led"
	CmdAudio     = "audio"
	CmdStart     = "start"
	CmdStop      = "stop"
	CmdCalibrate = "calibrate"
)

// LEDCommand builds an LED frame.
func LEDCommand(p LEDPattern) Command {
	return Command{Cmd: CmdLED, Pattern: p}
}

// AudioCommand builds an audio frame. Clip names omit the file extension.
func AudioCommand(clip string) Command {
	return Command{Cmd: CmdAudio, Clip: clip}
}

// StartCommand builds the activate frame.
func StartCommand() Command {
	return Command{Cmd: CmdStart, CourseStatus: CourseActive}
}

// StopCommand builds the stop frame, clearing the cone's action.
func StopCommand(status CourseStatus) Command {
	return Command{Cmd: CmdStop, Action: nil, CourseStatus: status}
}

// DeployCommand builds the deploy envelope for one cone.
func DeployCommand(action, course string) Command {
	return Command{Deploy: true, Action: &action, Course: course}
}

// CalibrateCommand builds the out-of-band threshold calibration frame.
func CalibrateCommand(threshold float64) Command {
	a := "set_threshold"
	return Command{Cmd: CmdCalibrate, Action: &a, Threshold: &threshold}
}

// FrameWriter serialises newline-delimited JSON frames onto a connection.
// Writes are mutex-guarded so the heartbeat ack path and the command
// emitter can share one connection without interleaving frames.
type FrameWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewFrameWriter wraps conn for frame writing.
func NewFrameWriter(conn net.Conn) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(conn)}
}

// WriteFrame marshals v, appends the newline terminator and flushes.
func (fw *FrameWriter) WriteFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: marshal frame: %w", err)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(data); err != nil {
		return err
	}
	if err := fw.w.WriteByte('\n'); err != nil {
		return err
	}
	return fw.w.Flush()
}

// DecodeHeartbeat parses one heartbeat line.
func DecodeHeartbeat(line []byte) (*Heartbeat, error) {
	var hb Heartbeat
	if err := json.Unmarshal(line, &hb); err != nil {
		return nil, fmt.Errorf("protocol: decode heartbeat: %w", err)
	}
	return &hb, nil
}
