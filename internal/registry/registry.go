// Package registry holds the in-memory authoritative view of the cone
// fleet: last-known state per node, the transient frame writer for each
// live connection, course lifecycle status and per-device assignments.
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agilityfleet/conectl/internal/metrics"
	"github.com/agilityfleet/conectl/internal/protocol"
)

// FrameSender writes one frame to a cone. Implemented by
// protocol.FrameWriter; tests substitute recorders.
type FrameSender interface {
	WriteFrame(v any) error
}

// DisplayStatus is the controller-derived status shown for a node.
type DisplayStatus string

const (
	StatusActive   DisplayStatus = "Active"
	StatusDeployed DisplayStatus = "Deployed"
	StatusStandby  DisplayStatus = "Standby"
	StatusOffline  DisplayStatus = "Offline"
)

// Node is one cone's last-known state. LEDPattern and AudioClip record
// what the controller last commanded, never what the device reported.
type Node struct {
	NodeID               string              `json:"node_id"`
	Address              string              `json:"address"`
	Status               DisplayStatus       `json:"status"`
	Sensors              json.RawMessage     `json:"sensors,omitempty"`
	LEDPattern           protocol.LEDPattern `json:"led_pattern,omitempty"`
	AudioClip            string              `json:"audio_clip,omitempty"`
	Action               string              `json:"action,omitempty"`
	BatteryLevel         *float64            `json:"battery_level,omitempty"`
	ClockSkewMS          *float64            `json:"clock_skew_ms,omitempty"`
	AccelerometerWorking bool                `json:"accelerometer_working"`
	AudioWorking         bool                `json:"audio_working"`
	LastSeen             time.Time           `json:"last_seen"`

	writer FrameSender
}

// Update carries the heartbeat-reported fields merged into a node.
// LED pattern and audio clip are deliberately not representable here.
type Update struct {
	Address              string
	Sensors              json.RawMessage
	BatteryLevel         *float64
	ClockSkewMS          *float64
	AccelerometerWorking bool
	AudioWorking         bool
}

// Registry is the single source of truth for who is reachable.
type Registry struct {
	mu sync.Mutex

	nodes          map[string]*Node
	courseStatus   protocol.CourseStatus
	selectedCourse string
	assignments    map[string]string
	offlineAfter   time.Duration
	controllerID   string
	now            func() time.Time
}

// New returns an empty registry. offlineAfter controls when a silent
// node flips to Offline in snapshots; controllerID is the logical
// device id of the controller's own virtual cone ("Device 0").
func New(offlineAfter time.Duration, controllerID string) *Registry {
	if offlineAfter <= 0 {
		offlineAfter = 15 * time.Second
	}
	return &Registry{
		nodes:        make(map[string]*Node),
		courseStatus: protocol.CourseInactive,
		assignments:  make(map[string]string),
		offlineAfter: offlineAfter,
		controllerID: controllerID,
		now:          time.Now,
	}
}

// ControllerID returns the controller's own logical device id.
func (r *Registry) ControllerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controllerID
}

// SetNowFunc overrides the registry clock (tests).
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// UpsertNode merges a heartbeat report into the node map and refreshes
// its last-seen time. Returns the node's current display status.
func (r *Registry) UpsertNode(nodeID string, u Update) DisplayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		n = &Node{NodeID: nodeID}
		r.nodes[nodeID] = n
	}
	if u.Address != "" {
		n.Address = u.Address
	}
	if len(u.Sensors) > 0 {
		n.Sensors = append(json.RawMessage(nil), u.Sensors...)
	}
	if u.BatteryLevel != nil {
		v := *u.BatteryLevel
		n.BatteryLevel = &v
	}
	if u.ClockSkewMS != nil {
		v := *u.ClockSkewMS
		n.ClockSkewMS = &v
	}
	n.AccelerometerWorking = u.AccelerometerWorking
	n.AudioWorking = u.AudioWorking
	n.LastSeen = r.now()
	n.Action = r.assignments[nodeID]
	n.Status = r.statusLocked(nodeID)
	return n.Status
}

// statusLocked derives display status from course status and assignment.
func (r *Registry) statusLocked(nodeID string) DisplayStatus {
	_, assigned := r.assignments[nodeID]
	switch {
	case r.courseStatus == protocol.CourseActive && assigned:
		return StatusActive
	case r.courseStatus == protocol.CourseDeployed && assigned:
		return StatusDeployed
	default:
		return StatusStandby
	}
}

// SetWriter attaches the transient frame writer for a connected node.
func (r *Registry) SetWriter(nodeID string, w FrameSender) {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		n = &Node{NodeID: nodeID, LastSeen: r.now()}
		r.nodes[nodeID] = n
	}
	hadWriter := n.writer != nil
	n.writer = w
	r.mu.Unlock()

	if w != nil && !hadWriter {
		metrics.NodesOnline.Inc()
	} else if w == nil && hadWriter {
		metrics.NodesOnline.Dec()
	}
}

// ClearWriter detaches a node's writer; the node reads as disconnected.
func (r *Registry) ClearWriter(nodeID string) {
	r.SetWriter(nodeID, nil)
}

// Connected reports whether the node has a live writer.
func (r *Registry) Connected(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	return ok && n.writer != nil
}

// SendFrame writes one frame to the node. The lock is held across the
// write: frames are small and this closes the race against a concurrent
// close nulling the writer. Failures null the writer.
func (r *Registry) SendFrame(nodeID string, frame any) bool {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok || n.writer == nil {
		r.mu.Unlock()
		return false
	}
	err := n.writer.WriteFrame(frame)
	if err != nil {
		n.writer = nil
		n.Status = StatusOffline
		r.mu.Unlock()
		metrics.NodesOnline.Dec()
		return false
	}
	r.mu.Unlock()
	return true
}

// RecordLED latches the last controller-commanded LED pattern, so
// heartbeat acks can converge a cone that rebooted mid-course.
func (r *Registry) RecordLED(nodeID string, p protocol.LEDPattern) {
	r.mu.Lock()
	if n, ok := r.nodes[nodeID]; ok {
		n.LEDPattern = p
	} else {
		r.nodes[nodeID] = &Node{NodeID: nodeID, LEDPattern: p, LastSeen: r.now()}
	}
	r.mu.Unlock()
}

// RecordAudio latches the last controller-commanded audio clip.
func (r *Registry) RecordAudio(nodeID, clip string) {
	r.mu.Lock()
	if n, ok := r.nodes[nodeID]; ok {
		n.AudioClip = clip
	} else {
		r.nodes[nodeID] = &Node{NodeID: nodeID, AudioClip: clip, LastSeen: r.now()}
	}
	r.mu.Unlock()
}

// CommandedState returns the latched LED pattern and audio clip.
func (r *Registry) CommandedState(nodeID string) (protocol.LEDPattern, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		return n.LEDPattern, n.AudioClip
	}
	return "", ""
}

// --- course lifecycle bookkeeping ---

// CourseStatus returns the fleet-wide course lifecycle state.
func (r *Registry) CourseStatus() protocol.CourseStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.courseStatus
}

// SelectedCourse returns the name of the deployed course, if any.
func (r *Registry) SelectedCourse() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectedCourse
}

// SetCourse records the course lifecycle state and selected course name.
func (r *Registry) SetCourse(status protocol.CourseStatus, name string) {
	r.mu.Lock()
	r.courseStatus = status
	r.selectedCourse = name
	r.mu.Unlock()
}

// SetAssignments replaces the device → action map.
func (r *Registry) SetAssignments(assignments map[string]string) {
	r.mu.Lock()
	r.assignments = make(map[string]string, len(assignments))
	for k, v := range assignments {
		r.assignments[k] = v
	}
	for id, n := range r.nodes {
		n.Action = r.assignments[id]
	}
	r.mu.Unlock()
}

// Assignment returns the action assigned to a node, if any.
func (r *Registry) Assignment(nodeID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assignments[nodeID]
	return a, ok
}

// Assignments returns a copy of the assignment map.
func (r *Registry) Assignments() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.assignments))
	for k, v := range r.assignments {
		out[k] = v
	}
	return out
}

// ClearAssignments drops all assignments.
func (r *Registry) ClearAssignments() {
	r.mu.Lock()
	r.assignments = make(map[string]string)
	for _, n := range r.nodes {
		n.Action = ""
	}
	r.mu.Unlock()
}

// Snapshot returns a deep copy of the fleet view, safe to marshal
// without holding the registry lock. When the course is not Inactive, a
// virtual Device 0 entry surfaces the controller itself so the UI can
// render a gateway card.
func (r *Registry) Snapshot() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]Node, 0, len(r.nodes)+1)
	for id, n := range r.nodes {
		if id == r.controllerID {
			continue
		}
		c := *n
		c.writer = nil
		c.Status = r.statusLocked(id)
		if n.writer == nil || now.Sub(n.LastSeen) > r.offlineAfter {
			c.Status = StatusOffline
		}
		if len(n.Sensors) > 0 {
			c.Sensors = append(json.RawMessage(nil), n.Sensors...)
		}
		if n.BatteryLevel != nil {
			v := *n.BatteryLevel
			c.BatteryLevel = &v
		}
		if n.ClockSkewMS != nil {
			v := *n.ClockSkewMS
			c.ClockSkewMS = &v
		}
		out = append(out, c)
	}

	if r.courseStatus != protocol.CourseInactive {
		ctrl := Node{
			NodeID:   r.controllerID,
			Status:   DisplayStatus(r.courseStatus),
			Action:   r.assignments[r.controllerID],
			LastSeen: now,
		}
		if n, ok := r.nodes[r.controllerID]; ok {
			ctrl.LEDPattern = n.LEDPattern
			ctrl.AudioClip = n.AudioClip
		}
		out = append(out, ctrl)
	}
	return out
}
