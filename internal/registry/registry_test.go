package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agilityfleet/conectl/internal/protocol"
)

type stubSender struct {
	frames []any
	err    error
}

func (s *stubSender) WriteFrame(v any) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, v)
	return nil
}

func testRegistry() (*Registry, *time.Time) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r := New(15*time.Second, "ctrl")
	r.SetNowFunc(func() time.Time { return now })
	return r, &now
}

func TestUpsertNodeMergesPartialUpdates(t *testing.T) {
	r, _ := testRegistry()

	battery := 87.5
	r.UpsertNode("d1", Update{Address: "10.0.0.5:1234", BatteryLevel: &battery})
	// A later heartbeat without battery data must not erase it.
	r.UpsertNode("d1", Update{Address: "10.0.0.5:1234"})

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.NotNil(t, snap[0].BatteryLevel)
	require.InDelta(t, 87.5, *snap[0].BatteryLevel, 0.01)
}

func TestStatusFollowsCourseAndAssignment(t *testing.T) {
	r, _ := testRegistry()

	st := r.UpsertNode("d1", Update{})
	require.Equal(t, StatusStandby, st)

	r.SetCourse(protocol.CourseDeployed, "Course A")
	r.SetAssignments(map[string]string{"d1": "cone 1"})
	require.Equal(t, StatusDeployed, r.UpsertNode("d1", Update{}))

	r.SetCourse(protocol.CourseActive, "Course A")
	require.Equal(t, StatusActive, r.UpsertNode("d1", Update{}))

	// Unassigned nodes stay standby even with an active course.
	require.Equal(t, StatusStandby, r.UpsertNode("d2", Update{}))
}

func TestSnapshotMarksSilentNodesOffline(t *testing.T) {
	r, now := testRegistry()
	r.UpsertNode("d1", Update{})
	r.SetWriter("d1", &stubSender{})

	*now = now.Add(16 * time.Second)
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, StatusOffline, snap[0].Status)
}

func TestSnapshotWithoutWriterIsOffline(t *testing.T) {
	r, _ := testRegistry()
	r.UpsertNode("d1", Update{})

	snap := r.Snapshot()
	require.Equal(t, StatusOffline, snap[0].Status)
}

func TestSendFrameFailureDetachesWriter(t *testing.T) {
	r, _ := testRegistry()
	r.UpsertNode("d1", Update{})
	r.SetWriter("d1", &stubSender{err: errors.New("broken pipe")})

	require.False(t, r.SendFrame("d1", protocol.StartCommand()))
	require.False(t, r.Connected("d1"))
	// Subsequent sends fail fast.
	require.False(t, r.SendFrame("d1", protocol.StartCommand()))
}

func TestSendFrameDeliversToWriter(t *testing.T) {
	r, _ := testRegistry()
	sender := &stubSender{}
	r.SetWriter("d1", sender)

	require.True(t, r.SendFrame("d1", protocol.LEDCommand(protocol.LEDSolidGreen)))
	require.Len(t, sender.frames, 1)
}

func TestCommandedStateLatches(t *testing.T) {
	r, _ := testRegistry()
	r.RecordLED("d1", protocol.LEDSolidBlue)
	r.RecordAudio("d1", "beep")

	led, audio := r.CommandedState("d1")
	require.Equal(t, protocol.LEDSolidBlue, led)
	require.Equal(t, "beep", audio)
}

func TestSnapshotIncludesVirtualControllerWhenDeployed(t *testing.T) {
	r, _ := testRegistry()
	r.UpsertNode("d1", Update{})

	require.Len(t, r.Snapshot(), 1, "no controller card while inactive")

	r.SetCourse(protocol.CourseDeployed, "Course A")
	r.SetAssignments(map[string]string{"d1": "cone 1", "ctrl": "start"})
	snap := r.Snapshot()
	require.Len(t, snap, 2)

	var ctrl *Node
	for i := range snap {
		if snap[i].NodeID == "ctrl" {
			ctrl = &snap[i]
		}
	}
	require.NotNil(t, ctrl)
	require.Equal(t, "start", ctrl.Action)
	require.Equal(t, DisplayStatus(protocol.CourseDeployed), ctrl.Status)
}

func TestClearAssignmentsResetsNodeActions(t *testing.T) {
	r, _ := testRegistry()
	r.UpsertNode("d1", Update{})
	r.SetAssignments(map[string]string{"d1": "cone 1"})

	action, ok := r.Assignment("d1")
	require.True(t, ok)
	require.Equal(t, "cone 1", action)

	r.ClearAssignments()
	_, ok = r.Assignment("d1")
	require.False(t, ok)
	require.Empty(t, r.Snapshot()[0].Action)
}
