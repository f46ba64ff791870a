// Package course drives the fleet-wide course lifecycle:
// Inactive → Deployed → Active → Inactive, with Active → Deployed on
// session completion so cones keep their colors between athletes.
package course

import (
	"context"
	"fmt"

	"github.com/agilityfleet/conectl/internal/command"
	"github.com/agilityfleet/conectl/internal/log"
	"github.com/agilityfleet/conectl/internal/oplog"
	"github.com/agilityfleet/conectl/internal/protocol"
	"github.com/agilityfleet/conectl/internal/registry"
	"github.com/agilityfleet/conectl/internal/store"
)

// Manager owns deploy/activate/deactivate transitions. Transitions are
// synchronous and fast: sends are best-effort per cone and never await
// remote responses.
type Manager struct {
	Store   *store.Store
	Reg     *registry.Registry
	Emitter *command.Emitter
	Ops     *oplog.Ring
}

// Deploy assigns a course's actions to the fleet and moves the
// lifecycle to Deployed. Previously assigned cones get a stop first.
//
// Non-participating cones are intentionally left alone: force-stopping
// them caused TCP head-of-line blocking on partial deployments.
func (m *Manager) Deploy(ctx context.Context, courseName string) error {
	logger := log.WithComponent("course")

	c, err := m.Store.GetCourseByName(ctx, courseName)
	if err != nil {
		return fmt.Errorf("course: deploy %q: %w", courseName, err)
	}

	for nodeID := range m.Reg.Assignments() {
		m.Emitter.Stop(nodeID, protocol.CourseInactive)
	}
	m.Reg.ClearAssignments()

	assignments := make(map[string]string, len(c.Actions))
	for _, a := range c.Actions {
		assignments[a.DeviceID] = a.Action
	}
	m.Reg.SetCourse(protocol.CourseDeployed, c.Name)
	m.Reg.SetAssignments(assignments)

	sent := 0
	controllerID := m.Reg.ControllerID()
	for _, a := range c.Actions {
		if a.DeviceID == controllerID {
			continue
		}
		if m.Emitter.Deploy(a.DeviceID, a.Action, c.Name) {
			sent++
		}
	}

	logger.Info().
		Str("course", c.Name).
		Int("devices", len(assignments)).
		Int("notified", sent).
		Msg("course deployed")
	m.Ops.Info("course", "", fmt.Sprintf("deployed %q to %d devices (%d reachable)", c.Name, len(assignments), sent))
	return nil
}

// Activate moves a deployed course to Active and starts assigned cones.
// Passing a name deploys implicitly when nothing is deployed yet.
func (m *Manager) Activate(ctx context.Context, courseName string) error {
	logger := log.WithComponent("course")

	if m.Reg.CourseStatus() == protocol.CourseInactive {
		if courseName == "" {
			return fmt.Errorf("course: no course deployed")
		}
		if err := m.Deploy(ctx, courseName); err != nil {
			return err
		}
	}

	m.Reg.SetCourse(protocol.CourseActive, m.Reg.SelectedCourse())
	m.Emitter.LED(m.Reg.ControllerID(), protocol.LEDSolidGreen)

	sent := 0
	controllerID := m.Reg.ControllerID()
	for nodeID := range m.Reg.Assignments() {
		if nodeID == controllerID {
			continue
		}
		if m.Emitter.Start(nodeID) {
			sent++
		}
	}

	logger.Info().
		Str("course", m.Reg.SelectedCourse()).
		Int("notified", sent).
		Msg("course activated")
	m.Ops.Info("course", "", fmt.Sprintf("activated %q (%d devices notified)", m.Reg.SelectedCourse(), sent))
	return nil
}

// Deactivate stops every assigned cone and returns to Inactive.
func (m *Manager) Deactivate(ctx context.Context) error {
	logger := log.WithComponent("course")
	name := m.Reg.SelectedCourse()
	controllerID := m.Reg.ControllerID()

	for nodeID := range m.Reg.Assignments() {
		if nodeID == controllerID {
			continue
		}
		m.Emitter.Stop(nodeID, protocol.CourseInactive)
	}

	m.Reg.ClearAssignments()
	m.Reg.SetCourse(protocol.CourseInactive, "")
	m.Emitter.LED(controllerID, protocol.LEDSolidAmber)

	logger.Info().Str("course", name).Msg("course deactivated")
	m.Ops.Info("course", "", fmt.Sprintf("deactivated %q", name))
	return nil
}

// ReturnToDeployed steps an Active course back to Deployed after a
// session ends, leaving assignments in place and ambering the fleet.
func (m *Manager) ReturnToDeployed() {
	if m.Reg.CourseStatus() != protocol.CourseActive {
		return
	}
	m.Reg.SetCourse(protocol.CourseDeployed, m.Reg.SelectedCourse())

	controllerID := m.Reg.ControllerID()
	for nodeID := range m.Reg.Assignments() {
		if nodeID == controllerID {
			continue
		}
		m.Emitter.Stop(nodeID, protocol.CourseDeployed)
		m.Emitter.LED(nodeID, protocol.LEDSolidAmber)
	}
	m.Emitter.LED(controllerID, protocol.LEDSolidAmber)
	m.Ops.Info("course", "", fmt.Sprintf("course %q returned to deployed", m.Reg.SelectedCourse()))
}
