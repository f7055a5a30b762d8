package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrota/ctask-backend/internal/console"
	"github.com/opsrota/ctask-backend/internal/db"
	"github.com/opsrota/ctask-backend/internal/models"
	"github.com/opsrota/ctask-backend/internal/service"
	"github.com/opsrota/ctask-backend/internal/servicenow"
)

type fakeStore struct {
	pingErr      error
	engineers    []models.Engineer
	roster       map[string][]models.Engineer // shiftCode -> engineers
	replacedEng  []models.Engineer
	replacedRows []db.RosterImportRow
	assignments  []models.AssignmentResult
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) EngineersOnShift(ctx context.Context, date time.Time, shiftCode string) ([]models.Engineer, error) {
	return f.roster[shiftCode], nil
}

func (f *fakeStore) Schedule(ctx context.Context, start, end time.Time) (map[string]map[string][]models.Engineer, error) {
	return map[string]map[string][]models.Engineer{
		start.Format("2006-01-02"): {"D": f.roster["D"], "E": {}, "N": {}},
	}, nil
}

func (f *fakeStore) ListEngineers(ctx context.Context) ([]models.Engineer, error) {
	return f.engineers, nil
}

func (f *fakeStore) ReplaceRoster(ctx context.Context, engineers []models.Engineer, entries []db.RosterImportRow) (int64, error) {
	f.replacedEng = engineers
	f.replacedRows = entries
	return int64(len(entries)), nil
}

func (f *fakeStore) ListAssignments(ctx context.Context, limit int) ([]models.AssignmentResult, error) {
	return f.assignments, nil
}

type fakeTicketing struct {
	configured bool
	tasks      []models.ChangeTask
	tasksErr   error
}

func (f *fakeTicketing) IsConfigured() bool { return f.configured }

func (f *fakeTicketing) AssignChangeTask(ctx context.Context, number, email string) (servicenow.AssignOutcome, error) {
	return servicenow.AssignOutcome{Success: true, Message: "assigned"}, nil
}

func (f *fakeTicketing) UnassignedChangeTasks(ctx context.Context) ([]models.ChangeTask, error) {
	return f.tasks, f.tasksErr
}

func (f *fakeTicketing) GetChangeTask(ctx context.Context, number string) (*models.ChangeTask, error) {
	return nil, nil
}

func newTestHandler(store *fakeStore, ticketing *fakeTicketing) *Handler {
	audit := console.NewAudit(zerolog.Nop())
	assigner := service.NewAssigner(store, ticketing, nil, audit, zerolog.Nop(), []string{"Supply Chain - L2"})
	scheduler := service.NewScheduler(assigner, audit, zerolog.Nop(), time.Minute, time.Second)
	return &Handler{
		Store:     store,
		Assigner:  assigner,
		Scheduler: scheduler,
		Console:   audit,
		Validator: validator.New(),
		Logger:    zerolog.Nop(),
	}
}

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", h.Healthz)
	r.POST("/api/webhook/ctask-created", h.Webhook)
	r.POST("/api/find-engineer", h.FindEngineer)
	r.POST("/api/ctasks/:number/assign", h.AssignNow)
	r.POST("/api/process-pending", h.ProcessPending)
	r.GET("/api/shift-schedule", h.ShiftSchedule)
	r.POST("/api/scheduler/start", h.SchedulerStart)
	r.POST("/api/scheduler/stop", h.SchedulerStop)
	r.GET("/api/scheduler/status", h.SchedulerStatus)
	r.POST("/api/scheduler/force-check", h.SchedulerForceCheck)
	r.GET("/api/console", h.ConsoleOutput)
	r.DELETE("/api/console", h.ConsoleClear)
	r.POST("/api/roster/import", h.RosterImport)
	r.GET("/api/engineers", h.EngineersList)
	r.GET("/api/assignments", h.AssignmentsList)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func nightRosterStore() *fakeStore {
	return &fakeStore{
		roster: map[string][]models.Engineer{
			"N": {
				{ID: "tm-2", Name: "Bob Tan", Email: "bob@example.com"},
				{ID: "tm-1", Name: "alice ng", Email: "alice@example.com"},
			},
		},
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(&fakeStore{}, &fakeTicketing{})
	w := doJSON(t, newTestRouter(h), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	h = newTestHandler(&fakeStore{pingErr: errors.New("down")}, &fakeTicketing{})
	w = doJSON(t, newTestRouter(h), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhookAssignsSimulated(t *testing.T) {
	h := newTestHandler(nightRosterStore(), &fakeTicketing{})
	w := doJSON(t, newTestRouter(h), http.MethodPost, "/api/webhook/ctask-created", gin.H{
		"ctask_number":       "CTASK0010003",
		"planned_start_date": "2025-10-13 02:30:00",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var result models.AssignmentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "CTASK0010003", result.Number)
	assert.Equal(t, models.ModeSimulated, result.Mode)
	assert.Equal(t, "alice ng", result.AssignedTo)
	assert.Equal(t, "N", result.ShiftCode)
}

func TestWebhookRejectsMissingNumber(t *testing.T) {
	h := newTestHandler(nightRosterStore(), &fakeTicketing{})
	w := doJSON(t, newTestRouter(h), http.MethodPost, "/api/webhook/ctask-created", gin.H{
		"planned_start_date": "2025-10-13 02:30:00",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION_ERROR")
}

func TestWebhookRejectsMissingDate(t *testing.T) {
	h := newTestHandler(nightRosterStore(), &fakeTicketing{})
	w := doJSON(t, newTestRouter(h), http.MethodPost, "/api/webhook/ctask-created", gin.H{
		"number": "CTASK0010003",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookEligibleTaskFallsBackToNow(t *testing.T) {
	h := newTestHandler(nightRosterStore(), &fakeTicketing{})
	h.Assigner.Now = func() time.Time {
		return time.Date(2025, 10, 13, 2, 30, 0, 0, time.UTC)
	}
	w := doJSON(t, newTestRouter(h), http.MethodPost, "/api/webhook/ctask-created", gin.H{
		"number":           "CTASK0010009",
		"assignment_group": "Supply Chain - L2",
		"state":            "Open",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var result models.AssignmentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "N", result.ShiftCode)
}

func TestFindEngineer(t *testing.T) {
	h := newTestHandler(nightRosterStore(), &fakeTicketing{})
	r := newTestRouter(h)

	w := doJSON(t, r, http.MethodPost, "/api/find-engineer", gin.H{"date": "2025-10-13", "time": "02:30:00"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Found     bool            `json:"found"`
		Engineer  models.Engineer `json:"engineer"`
		ShiftCode string          `json:"shift_code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Found)
	assert.Equal(t, "alice ng", resp.Engineer.Name)
	assert.Equal(t, "N", resp.ShiftCode)

	// Day shift has nobody rostered.
	w = doJSON(t, r, http.MethodPost, "/api/find-engineer", gin.H{"date": "2025-10-13", "time": "10:00:00"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "NO_ENGINEER_ON_SHIFT")

	w = doJSON(t, r, http.MethodPost, "/api/find-engineer", gin.H{"date": "2025-10-13"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/find-engineer", gin.H{"date": "13/10/2025", "time": "02:30:00"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessPendingReportsBatch(t *testing.T) {
	ticketing := &fakeTicketing{
		configured: true,
		tasks: []models.ChangeTask{
			{Number: "CTASK0010001", PlannedStartDate: models.FieldValue{Display: "2025-10-13 02:30:00"}},
		},
	}
	h := newTestHandler(nightRosterStore(), ticketing)
	w := doJSON(t, newTestRouter(h), http.MethodPost, "/api/process-pending", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var summary service.BatchSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Successful)
}

func TestProcessPendingFetchError(t *testing.T) {
	ticketing := &fakeTicketing{configured: true, tasksErr: errors.New("backend down")}
	h := newTestHandler(nightRosterStore(), ticketing)
	w := doJSON(t, newTestRouter(h), http.MethodPost, "/api/process-pending", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSchedulerEndpoints(t *testing.T) {
	h := newTestHandler(nightRosterStore(), &fakeTicketing{configured: true})
	r := newTestRouter(h)

	w := doJSON(t, r, http.MethodGet, "/api/scheduler/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status models.SchedulerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Running)

	w = doJSON(t, r, http.MethodPost, "/api/scheduler/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, h.Scheduler.Status().Running)

	w = doJSON(t, r, http.MethodPost, "/api/scheduler/force-check", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/scheduler/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, h.Scheduler.Status().Running)
}

func TestConsoleEndpoints(t *testing.T) {
	h := newTestHandler(nightRosterStore(), &fakeTicketing{})
	h.Console.Info("first entry", nil)
	r := newTestRouter(h)

	w := doJSON(t, r, http.MethodGet, "/api/console?count=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "first entry")

	w = doJSON(t, r, http.MethodDelete, "/api/console", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, h.Console.Len())
}

func TestShiftScheduleValidatesRange(t *testing.T) {
	h := newTestHandler(nightRosterStore(), &fakeTicketing{})
	r := newTestRouter(h)

	w := doJSON(t, r, http.MethodGet, "/api/shift-schedule?start=2025-10-13&end=2025-10-14", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/shift-schedule?start=2025-10-14&end=2025-10-13", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/shift-schedule?start=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func multipartUpload(t *testing.T, engineersCSV, rosterCSV string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("engineers", "engineers.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(engineersCSV))
	require.NoError(t, err)

	fw, err = mw.CreateFormFile("roster", "roster.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(rosterCSV))
	require.NoError(t, err)

	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestRosterImport(t *testing.T) {
	store := nightRosterStore()
	h := newTestHandler(store, &fakeTicketing{})
	r := newTestRouter(h)

	engineersCSV := "id,name,email,contact\ntm-1,alice ng,alice@example.com,+65 1111\ntm-2,Bob Tan,bob@example.com,+65 2222\n"
	rosterCSV := "date,shift_code,engineer_id\n2025-10-13,N,tm-1\n13/10/2025,n,tm-2\n"

	body, contentType := multipartUpload(t, engineersCSV, rosterCSV)
	req := httptest.NewRequest(http.MethodPost, "/api/roster/import", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, store.replacedEng, 2)
	require.Len(t, store.replacedRows, 2)
	assert.Equal(t, "N", store.replacedRows[1].ShiftCode)
	assert.Equal(t, "tm-2", store.replacedRows[1].EngineerID)
	assert.Equal(t, time.Date(2025, 10, 13, 0, 0, 0, 0, time.UTC), store.replacedRows[1].Date)
}

func TestRosterImportRejectsBadRows(t *testing.T) {
	h := newTestHandler(nightRosterStore(), &fakeTicketing{})
	r := newTestRouter(h)

	engineersCSV := "id,name,email\ntm-1,alice ng,alice@example.com\n"
	rosterCSV := "date,shift_code,engineer_id\n2025-10-13,X,tm-1\n2025-10-13,N,tm-9\nnot-a-date,N,tm-1\n"

	body, contentType := multipartUpload(t, engineersCSV, rosterCSV)
	req := httptest.NewRequest(http.MethodPost, "/api/roster/import", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "shift_code must be")
	assert.Contains(t, w.Body.String(), "unknown engineer_id")
	assert.Contains(t, w.Body.String(), "unrecognized date")
}

func TestRosterImportRequiresBothFiles(t *testing.T) {
	h := newTestHandler(nightRosterStore(), &fakeTicketing{})
	w := doJSON(t, newTestRouter(h), http.MethodPost, "/api/roster/import", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEngineersAndAssignmentsLists(t *testing.T) {
	store := &fakeStore{
		engineers: []models.Engineer{{ID: "tm-1", Name: "alice ng", Email: "alice@example.com"}},
		assignments: []models.AssignmentResult{
			{Number: "CTASK0010001", Success: true, ReasonCode: service.ReasonAssigned},
		},
	}
	h := newTestHandler(store, &fakeTicketing{})
	r := newTestRouter(h)

	w := doJSON(t, r, http.MethodGet, "/api/engineers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice ng")

	w = doJSON(t, r, http.MethodGet, "/api/assignments?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "CTASK0010001")
}

func TestAssignNowEndpoint(t *testing.T) {
	h := newTestHandler(nightRosterStore(), &fakeTicketing{})
	h.Assigner.Now = func() time.Time {
		return time.Date(2025, 10, 13, 2, 30, 0, 0, time.UTC)
	}
	w := doJSON(t, newTestRouter(h), http.MethodPost, "/api/ctasks/CTASK0010005/assign", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result models.AssignmentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, models.ModeSimulated, result.Mode)
	assert.True(t, strings.HasPrefix(result.Message, "simulated assignment"))
}
