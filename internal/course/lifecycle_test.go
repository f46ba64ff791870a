package course

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agilityfleet/conectl/internal/command"
	"github.com/agilityfleet/conectl/internal/oplog"
	"github.com/agilityfleet/conectl/internal/protocol"
	"github.com/agilityfleet/conectl/internal/registry"
	"github.com/agilityfleet/conectl/internal/store"
)

type frameSink struct {
	frames []protocol.Command
}

func (s *frameSink) WriteFrame(v any) error {
	if cmd, ok := v.(protocol.Command); ok {
		s.frames = append(s.frames, cmd)
	}
	return nil
}

func (s *frameSink) has(pred func(protocol.Command) bool) bool {
	for _, f := range s.frames {
		if pred(f) {
			return true
		}
	}
	return false
}

type fixture struct {
	mgr   *Manager
	reg   *registry.Registry
	sinks map[string]*frameSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(time.Minute, "ctrl")
	f := &fixture{
		reg:   reg,
		sinks: make(map[string]*frameSink),
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		sink := &frameSink{}
		reg.SetWriter(id, sink)
		reg.UpsertNode(id, registry.Update{})
		f.sinks[id] = sink
	}
	f.mgr = &Manager{
		Store:   st,
		Reg:     reg,
		Emitter: command.New(reg, nil, nil),
		Ops:     oplog.New(0),
	}
	return f
}

func (f *fixture) seedCourse(t *testing.T, name string) {
	t.Helper()
	_, err := f.mgr.Store.CreateCourse(context.Background(), store.Course{
		Name:         name,
		Type:         "agility",
		Mode:         store.ModeSequential,
		TotalDevices: 3,
		Actions: []store.CourseAction{
			{Sequence: 0, DeviceID: "ctrl", Action: "start", MinTime: 1, MaxTime: 30},
			{Sequence: 1, DeviceID: "d1", Action: "cone 1", MinTime: 1, MaxTime: 30},
			{Sequence: 2, DeviceID: "d2", Action: "cone 2", MinTime: 1, MaxTime: 30},
		},
	})
	require.NoError(t, err)
}

func TestDeployAssignsAndNotifiesParticipants(t *testing.T) {
	f := newFixture(t)
	f.seedCourse(t, "Course A")

	require.NoError(t, f.mgr.Deploy(context.Background(), "Course A"))

	require.Equal(t, protocol.CourseDeployed, f.reg.CourseStatus())
	require.Equal(t, "Course A", f.reg.SelectedCourse())

	action, ok := f.reg.Assignment("d1")
	require.True(t, ok)
	require.Equal(t, "cone 1", action)
	action, ok = f.reg.Assignment("ctrl")
	require.True(t, ok)
	require.Equal(t, "start", action)

	require.True(t, f.sinks["d1"].has(func(c protocol.Command) bool {
		return c.Deploy && c.Action != nil && *c.Action == "cone 1" && c.Course == "Course A"
	}))
	// d3 is not in the course and must be left alone.
	require.Empty(t, f.sinks["d3"].frames)
}

func TestDeployUnknownCourse(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Deploy(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeployStopsPreviouslyAssignedCones(t *testing.T) {
	f := newFixture(t)
	f.seedCourse(t, "Course A")
	_, err := f.mgr.Store.CreateCourse(context.Background(), store.Course{
		Name:         "Course B",
		Type:         "agility",
		Mode:         store.ModeSequential,
		TotalDevices: 1,
		Actions: []store.CourseAction{
			{Sequence: 0, DeviceID: "d3", Action: "cone 1", MinTime: 1, MaxTime: 30},
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Deploy(context.Background(), "Course A"))
	require.NoError(t, f.mgr.Deploy(context.Background(), "Course B"))

	require.True(t, f.sinks["d1"].has(func(c protocol.Command) bool {
		return c.Cmd == protocol.CmdStop && c.CourseStatus == protocol.CourseInactive
	}), "cone from the previous course should be stopped")

	_, ok := f.reg.Assignment("d1")
	require.False(t, ok)
	action, ok := f.reg.Assignment("d3")
	require.True(t, ok)
	require.Equal(t, "cone 1", action)
}

func TestActivateStartsAssignedCones(t *testing.T) {
	f := newFixture(t)
	f.seedCourse(t, "Course A")
	require.NoError(t, f.mgr.Deploy(context.Background(), "Course A"))

	require.NoError(t, f.mgr.Activate(context.Background(), ""))

	require.Equal(t, protocol.CourseActive, f.reg.CourseStatus())
	for _, id := range []string{"d1", "d2"} {
		require.True(t, f.sinks[id].has(func(c protocol.Command) bool {
			return c.Cmd == protocol.CmdStart
		}), "%s should receive start", id)
	}
	require.Empty(t, f.sinks["d3"].frames)
}

func TestActivateImplicitlyDeploys(t *testing.T) {
	f := newFixture(t)
	f.seedCourse(t, "Course A")

	require.NoError(t, f.mgr.Activate(context.Background(), "Course A"))

	require.Equal(t, protocol.CourseActive, f.reg.CourseStatus())
	require.Equal(t, "Course A", f.reg.SelectedCourse())
	require.True(t, f.sinks["d1"].has(func(c protocol.Command) bool { return c.Deploy }))
	require.True(t, f.sinks["d1"].has(func(c protocol.Command) bool { return c.Cmd == protocol.CmdStart }))
}

func TestActivateWithoutDeployedCourse(t *testing.T) {
	f := newFixture(t)
	require.Error(t, f.mgr.Activate(context.Background(), ""))
}

func TestDeactivateStopsFleetAndClearsState(t *testing.T) {
	f := newFixture(t)
	f.seedCourse(t, "Course A")
	require.NoError(t, f.mgr.Deploy(context.Background(), "Course A"))
	require.NoError(t, f.mgr.Activate(context.Background(), ""))

	require.NoError(t, f.mgr.Deactivate(context.Background()))

	require.Equal(t, protocol.CourseInactive, f.reg.CourseStatus())
	require.Empty(t, f.reg.SelectedCourse())
	require.Empty(t, f.reg.Assignments())
	require.True(t, f.sinks["d1"].has(func(c protocol.Command) bool {
		return c.Cmd == protocol.CmdStop && c.CourseStatus == protocol.CourseInactive
	}))
}

func TestReturnToDeployedKeepsAssignments(t *testing.T) {
	f := newFixture(t)
	f.seedCourse(t, "Course A")
	require.NoError(t, f.mgr.Activate(context.Background(), "Course A"))

	f.mgr.ReturnToDeployed()

	require.Equal(t, protocol.CourseDeployed, f.reg.CourseStatus())
	require.Equal(t, "Course A", f.reg.SelectedCourse())
	_, ok := f.reg.Assignment("d1")
	require.True(t, ok, "assignments survive the step back")

	require.True(t, f.sinks["d1"].has(func(c protocol.Command) bool {
		return c.Cmd == protocol.CmdStop && c.CourseStatus == protocol.CourseDeployed
	}))
	require.True(t, f.sinks["d1"].has(func(c protocol.Command) bool {
		return c.Cmd == protocol.CmdLED && c.Pattern == protocol.LEDSolidAmber
	}))
}

func TestReturnToDeployedIsNoopUnlessActive(t *testing.T) {
	f := newFixture(t)
	f.seedCourse(t, "Course A")
	require.NoError(t, f.mgr.Deploy(context.Background(), "Course A"))

	f.mgr.ReturnToDeployed()
	require.Equal(t, protocol.CourseDeployed, f.reg.CourseStatus())
	require.False(t, f.sinks["d1"].has(func(c protocol.Command) bool {
		return c.Cmd == protocol.CmdStop
	}))
}
