package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agilityfleet/conectl/internal/command"
	"github.com/agilityfleet/conectl/internal/config"
	"github.com/agilityfleet/conectl/internal/course"
	"github.com/agilityfleet/conectl/internal/oplog"
	"github.com/agilityfleet/conectl/internal/protocol"
	"github.com/agilityfleet/conectl/internal/registry"
	"github.com/agilityfleet/conectl/internal/session"
	"github.com/agilityfleet/conectl/internal/store"
)

type apiRig struct {
	handler http.Handler
	store   *store.Store
	reg     *registry.Registry
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(time.Minute, "ctrl")
	emit := command.New(reg, nil, nil)
	ops := oplog.New(0)
	courses := &course.Manager{Store: st, Reg: reg, Emitter: emit, Ops: ops}
	engine := session.New(st, reg, emit, courses, ops, nil, nil, nil)

	srv := New(config.Default(), st, reg, emit, courses, engine, ops, "test-1.0")
	return &apiRig{handler: srv.Router(), store: st, reg: reg}
}

func (rig *apiRig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), "body: %s", rec.Body.String())
	return m
}

func TestHealthz(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeMap(t, rec)["status"])
}

func TestVersionEndpoint(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "test-1.0", decodeMap(t, rec)["version"])
}

func TestTeamCRUD(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodPost, "/api/teams/", map[string]any{"name": "U12 Falcons", "sport": "soccer"})
	require.Equal(t, http.StatusCreated, rec.Code)
	teamID := decodeMap(t, rec)["team_id"].(string)
	require.NotEmpty(t, teamID)

	rec = rig.do(t, http.MethodGet, "/api/teams/"+teamID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "U12 Falcons", decodeMap(t, rec)["name"])

	rec = rig.do(t, http.MethodPost, "/api/teams/"+teamID+"/athletes", map[string]any{"name": "Alex"})
	require.Equal(t, http.StatusCreated, rec.Code)
	athleteID := decodeMap(t, rec)["athlete_id"].(string)

	rec = rig.do(t, http.MethodGet, "/api/teams/"+teamID+"/athletes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var athletes []store.Athlete
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &athletes))
	require.Len(t, athletes, 1)

	rec = rig.do(t, http.MethodDelete, "/api/athletes/"+athleteID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(t, http.MethodDelete, "/api/teams/"+teamID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTeamRequiresName(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodPost, "/api/teams/", map[string]any{"sport": "soccer"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeMap(t, rec)
	require.Equal(t, false, body["success"])
	require.Equal(t, "name is required", body["error"])
}

func TestUnknownFieldsRejected(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodPost, "/api/teams/", map[string]any{"name": "x", "nmae": "typo"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMissingTeamIs404(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodGet, "/api/teams/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeMap(t, rec)
	require.Equal(t, false, body["success"])
	require.NotEmpty(t, body["error"])
}

func courseBody(name string) map[string]any {
	return map[string]any{
		"name":          name,
		"type":          "agility",
		"mode":          "sequential",
		"total_devices": 2,
		"actions": []map[string]any{
			{"sequence": 0, "device_id": "ctrl", "action": "start", "min_time": 1, "max_time": 30},
			{"sequence": 1, "device_id": "d1", "action": "cone 1", "min_time": 1, "max_time": 30},
		},
	}
}

func TestCourseCreateDuplicateNameConflicts(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodPost, "/api/courses/", courseBody("Warmup"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = rig.do(t, http.MethodPost, "/api/courses/", courseBody("Warmup"))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCourseDuplicateEndpoint(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodPost, "/api/courses/", courseBody("Warmup"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeMap(t, rec)["course_id"].(string)

	rec = rig.do(t, http.MethodPost, "/api/courses/"+id+"/duplicate", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	dupID := decodeMap(t, rec)["course_id"].(string)

	rec = rig.do(t, http.MethodGet, "/api/courses/"+dupID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Warmup (copy)", decodeMap(t, rec)["name"])
}

func TestDeployActivateDeactivateFlow(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodPost, "/api/courses/", courseBody("Course A"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = rig.do(t, http.MethodPost, "/api/course/deploy", map[string]any{"course_name": "Course A"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Deployed", decodeMap(t, rec)["course_status"])

	rec = rig.do(t, http.MethodPost, "/api/course/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Active", decodeMap(t, rec)["course_status"])

	rec = rig.do(t, http.MethodPost, "/api/course/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Inactive", decodeMap(t, rec)["course_status"])
}

func TestDeployRequiresCourseName(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodPost, "/api/course/deploy", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployUnknownCourseIs404(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodPost, "/api/course/deploy", map[string]any{"course_name": "nope"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()

	teamID, err := rig.store.CreateTeam(ctx, store.Team{Name: "U12"})
	require.NoError(t, err)
	var athletes []string
	for i := 0; i < 2; i++ {
		id, err := rig.store.CreateAthlete(ctx, store.Athlete{TeamID: teamID, Name: fmt.Sprintf("Athlete %d", i+1)})
		require.NoError(t, err)
		athletes = append(athletes, id)
	}
	rec := rig.do(t, http.MethodPost, "/api/courses/", courseBody("Course A"))
	require.Equal(t, http.StatusCreated, rec.Code)
	courseID := decodeMap(t, rec)["course_id"].(string)

	rec = rig.do(t, http.MethodPost, "/api/sessions/", map[string]any{
		"team_id":       teamID,
		"course_id":     courseID,
		"athlete_queue": athletes,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := decodeMap(t, rec)["session_id"].(string)

	rec = rig.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	require.Equal(t, true, body["success"])
	require.NotNil(t, body["current_run"])

	rec = rig.do(t, http.MethodGet, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/stop", map[string]any{"reason": "rain"})
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := rig.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, store.SessionIncomplete, sess.Status)
	require.Contains(t, sess.Notes, "rain")
}

func TestSetLEDValidationAndOfflineNode(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodPost, "/api/devices/d1/led", map[string]any{"pattern": "disco"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, false, decodeMap(t, rec)["success"])

	rec = rig.do(t, http.MethodPost, "/api/devices/d1/led", map[string]any{"pattern": "solid_green"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, false, decodeMap(t, rec)["success"])
}

func TestSetLEDDelivered(t *testing.T) {
	rig := newAPIRig(t)
	sink := &ledSink{}
	rig.reg.SetWriter("d1", sink)

	rec := rig.do(t, http.MethodPost, "/api/devices/d1/led", map[string]any{"pattern": "solid_green"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.frames, 1)
}

type ledSink struct {
	frames []any
}

func (s *ledSink) WriteFrame(v any) error {
	s.frames = append(s.frames, v)
	return nil
}

func TestRegistrySnapshotEndpoint(t *testing.T) {
	rig := newAPIRig(t)
	rig.reg.UpsertNode("d1", registry.Update{Address: "10.0.0.5:1234"})
	rig.reg.SetCourse(protocol.CourseDeployed, "Course A")

	rec := rig.do(t, http.MethodGet, "/api/registry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	require.Equal(t, "Deployed", body["course_status"])
	require.Equal(t, "Course A", body["selected_course"])
	require.NotEmpty(t, body["nodes"])
}

func TestSettingsRoundTrip(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodPut, "/api/settings/audio_voice", map[string]any{"value": "nova"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(t, http.MethodGet, "/api/settings/audio_voice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nova", decodeMap(t, rec)["value"])
}

func TestRequestIDEchoed(t *testing.T) {
	rig := newAPIRig(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
}
