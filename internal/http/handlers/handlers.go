package handlers

import (
	"context"
	"encoding/csv"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/opsrota/ctask-backend/internal/console"
	"github.com/opsrota/ctask-backend/internal/db"
	"github.com/opsrota/ctask-backend/internal/models"
	"github.com/opsrota/ctask-backend/internal/service"
)

// RosterStore is the slice of the Postgres store the HTTP layer needs.
type RosterStore interface {
	Ping(ctx context.Context) error
	Schedule(ctx context.Context, start, end time.Time) (map[string]map[string][]models.Engineer, error)
	ListEngineers(ctx context.Context) ([]models.Engineer, error)
	ReplaceRoster(ctx context.Context, engineers []models.Engineer, entries []db.RosterImportRow) (int64, error)
	ListAssignments(ctx context.Context, limit int) ([]models.AssignmentResult, error)
}

type Handler struct {
	Store     RosterStore
	Assigner  *service.Assigner
	Scheduler *service.Scheduler
	Console   *console.Audit
	Validator *validator.Validate
	Logger    zerolog.Logger
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type WebhookPayload struct {
	Number           string `json:"number"`
	CTaskNumber      string `json:"ctask_number"`
	PlannedStartDate string `json:"planned_start_date"`
	WorkStart        string `json:"work_start"`
	AssignmentGroup  string `json:"assignment_group"`
	State            string `json:"state"`
}

// @Summary CTask created webhook
// @Description Triggers a single auto-assignment for a freshly created change task
// @Tags assignment
// @Accept json
// @Produce json
// @Success 200 {object} models.AssignmentResult
// @Router /api/webhook/ctask-created [post]
func (h *Handler) Webhook(c *gin.Context) {
	var payload WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}

	number := strings.TrimSpace(payload.Number)
	if number == "" {
		number = strings.TrimSpace(payload.CTaskNumber)
	}
	if number == "" {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "number or ctask_number is required", nil)
		return
	}

	// Funnel the loosely-shaped webhook body through the same extraction
	// logic the poll loop uses.
	task := models.ChangeTask{
		Number:           number,
		PlannedStartDate: models.FieldValue{Display: payload.PlannedStartDate},
		WorkStart:        models.FieldValue{Display: payload.WorkStart},
		AssignmentGroup:  models.FieldValue{Display: payload.AssignmentGroup},
		State:            models.FieldValue{Display: payload.State},
	}
	plannedDate, plannedTime, _ := h.Assigner.ExtractPlannedDatetime(task)
	if plannedDate == "" {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "no usable planned date/time in payload", nil)
		return
	}

	result := h.Assigner.AutoAssign(c.Request.Context(), number, plannedDate, plannedTime)
	c.JSON(http.StatusOK, result)
}

type FindEngineerRequest struct {
	Date string `json:"date" validate:"required"`
	Time string `json:"time" validate:"required"`
}

// @Summary Find engineer on duty
// @Tags roster
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/find-engineer [post]
func (h *Handler) FindEngineer(c *gin.Context) {
	var req FindEngineerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	date, err := service.ParseDate(req.Date)
	if err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "date must be YYYY-MM-DD", err.Error())
		return
	}
	timeOfDay, err := service.ParseTimeOfDay(req.Time)
	if err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "time must be HH:MM:SS", err.Error())
		return
	}

	engineer, shiftCode, reason := h.Assigner.FindEngineerOnDuty(c.Request.Context(), date, timeOfDay)
	if reason != service.ReasonAssigned {
		c.JSON(http.StatusOK, gin.H{
			"found":       false,
			"reason_code": reason,
			"shift_code":  shiftCode,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"found":      true,
		"engineer":   engineer,
		"shift_code": shiftCode,
	})
}

// @Summary Assign a change task immediately
// @Tags assignment
// @Produce json
// @Success 200 {object} models.AssignmentResult
// @Router /api/ctasks/{number}/assign [post]
func (h *Handler) AssignNow(c *gin.Context) {
	number := strings.TrimSpace(c.Param("number"))
	if number == "" {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "ctask number is required", nil)
		return
	}
	result := h.Assigner.AssignNow(c.Request.Context(), number)
	c.JSON(http.StatusOK, result)
}

// @Summary Process all pending change tasks
// @Tags assignment
// @Produce json
// @Success 200 {object} service.BatchSummary
// @Router /api/process-pending [post]
func (h *Handler) ProcessPending(c *gin.Context) {
	summary, err := h.Assigner.ProcessPending(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusBadGateway, "EXTERNAL_CALL_ERROR", "Failed to fetch pending change tasks", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) ShiftSchedule(c *gin.Context) {
	now := time.Now()
	start := now
	end := now.AddDate(0, 0, 6)

	if v := c.Query("start"); v != "" {
		parsed, err := service.ParseDate(v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "start must be YYYY-MM-DD", err.Error())
			return
		}
		start = parsed
	}
	if v := c.Query("end"); v != "" {
		parsed, err := service.ParseDate(v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "end must be YYYY-MM-DD", err.Error())
			return
		}
		end = parsed
	}
	if end.Before(start) {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "end must not be before start", nil)
		return
	}

	schedule, err := h.Store.Schedule(c.Request.Context(), start, end)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load schedule", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"start":    start.Format("2006-01-02"),
		"end":      end.Format("2006-01-02"),
		"schedule": schedule,
	})
}

func (h *Handler) SchedulerStart(c *gin.Context) {
	h.Scheduler.Start()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "scheduler": h.Scheduler.Status()})
}

func (h *Handler) SchedulerStop(c *gin.Context) {
	h.Scheduler.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "scheduler": h.Scheduler.Status()})
}

func (h *Handler) SchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Scheduler.Status())
}

// @Summary Force an immediate assignment check
// @Tags scheduler
// @Produce json
// @Success 200 {object} service.BatchSummary
// @Router /api/scheduler/force-check [post]
func (h *Handler) SchedulerForceCheck(c *gin.Context) {
	summary, err := h.Scheduler.ForceCheck(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusBadGateway, "EXTERNAL_CALL_ERROR", "Assignment check failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) ConsoleOutput(c *gin.Context) {
	count, _ := strconv.Atoi(c.DefaultQuery("count", "20"))
	c.JSON(http.StatusOK, gin.H{
		"entries": h.Console.Recent(count),
		"text":    h.Console.Format(count),
	})
}

func (h *Handler) ConsoleClear(c *gin.Context) {
	h.Console.Clear()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) EngineersList(c *gin.Context) {
	items, err := h.Store.ListEngineers(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list engineers", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) AssignmentsList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	items, err := h.Store.ListAssignments(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list assignments", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type RosterImportSummary struct {
	Engineers struct {
		Parsed   int `json:"parsed"`
		Inserted int `json:"inserted"`
	} `json:"engineers"`
	Roster struct {
		Parsed   int   `json:"parsed"`
		Inserted int64 `json:"inserted"`
	} `json:"roster"`
	Errors []string `json:"errors"`
}

// @Summary Import shift roster CSV data
// @Description Upload engineers and roster CSV files; replaces the whole roster
// @Tags roster
// @Accept multipart/form-data
// @Produce json
// @Param engineers formData file true "engineers.csv"
// @Param roster formData file true "roster.csv"
// @Success 200 {object} RosterImportSummary
// @Failure 400 {object} map[string]any
// @Router /api/roster/import [post]
func (h *Handler) RosterImport(c *gin.Context) {
	engineersFile, err := c.FormFile("engineers")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "engineers file required", nil)
		return
	}
	rosterFile, err := c.FormFile("roster")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "roster file required", nil)
		return
	}

	summary := RosterImportSummary{Errors: []string{}}

	engineers, errs := parseEngineersCSV(engineersFile)
	summary.Engineers.Parsed = len(engineers)
	summary.Errors = append(summary.Errors, errs...)

	engineerIDs := map[string]struct{}{}
	for _, e := range engineers {
		engineerIDs[e.ID] = struct{}{}
	}

	entries, errs := parseRosterCSV(rosterFile, engineerIDs)
	summary.Roster.Parsed = len(entries)
	summary.Errors = append(summary.Errors, errs...)

	if len(summary.Errors) > 0 {
		writeError(c, http.StatusBadRequest, "CSV_PARSE_ERROR", "CSV validation errors", summary.Errors)
		return
	}

	inserted, err := h.Store.ReplaceRoster(c.Request.Context(), engineers, entries)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to import roster", err.Error())
		return
	}
	summary.Engineers.Inserted = len(engineers)
	summary.Roster.Inserted = inserted

	h.Console.Success("shift roster imported", map[string]any{
		"engineers": len(engineers),
		"entries":   inserted,
	})
	c.JSON(http.StatusOK, summary)
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

func parseEngineersCSV(file *multipart.FileHeader) ([]models.Engineer, []string) {
	f, err := file.Open()
	if err != nil {
		return nil, []string{err.Error()}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	headers, err := reader.Read()
	if err != nil {
		return nil, []string{"failed to read engineers header"}
	}
	index := headerIndex(headers)

	var errs []string
	var out []models.Engineer
	line := 1
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}

		e := models.Engineer{
			ID:      getFieldAny(rec, index, "id", "engineer_id", "member_id"),
			Name:    getFieldAny(rec, index, "name", "engineer", "full_name"),
			Email:   getFieldAny(rec, index, "email", "mail"),
			Contact: getFieldAny(rec, index, "contact", "contact_number", "phone"),
		}
		if e.ID == "" || e.Name == "" || e.Email == "" {
			errs = append(errs, "engineers line "+strconv.Itoa(line)+": id/name/email required")
			continue
		}
		out = append(out, e)
	}
	return out, errs
}

func parseRosterCSV(file *multipart.FileHeader, engineerIDs map[string]struct{}) ([]db.RosterImportRow, []string) {
	f, err := file.Open()
	if err != nil {
		return nil, []string{err.Error()}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	headers, err := reader.Read()
	if err != nil {
		return nil, []string{"failed to read roster header"}
	}
	index := headerIndex(headers)

	var errs []string
	var out []db.RosterImportRow
	line := 1
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}

		dateRaw := getFieldAny(rec, index, "date", "shift_date")
		shiftCode := strings.ToUpper(getFieldAny(rec, index, "shift_code", "shift"))
		engineerID := getFieldAny(rec, index, "engineer_id", "member_id", "id")

		date, err := parseRosterDate(dateRaw)
		if err != nil {
			errs = append(errs, "roster line "+strconv.Itoa(line)+": unrecognized date "+strconv.Quote(dateRaw))
			continue
		}
		if shiftCode != "D" && shiftCode != "E" && shiftCode != "N" {
			errs = append(errs, "roster line "+strconv.Itoa(line)+": shift_code must be D, E or N")
			continue
		}
		if _, ok := engineerIDs[engineerID]; !ok {
			errs = append(errs, "roster line "+strconv.Itoa(line)+": unknown engineer_id "+strconv.Quote(engineerID))
			continue
		}

		out = append(out, db.RosterImportRow{Date: date, ShiftCode: shiftCode, EngineerID: engineerID})
	}
	return out, errs
}

// Roster exports arrive in a few regional date formats.
var rosterDateLayouts = []string{"2006-01-02", "02/01/2006", "02-01-2006", "2006/01/02"}

func parseRosterDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var lastErr error
	for _, layout := range rosterDateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return d, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

func headerIndex(headers []string) map[string]int {
	idx := map[string]int{}
	for i, h := range headers {
		idx[normalizeHeader(h)] = i
	}
	return idx
}

func getFieldAny(rec []string, idx map[string]int, names ...string) string {
	for _, name := range names {
		pos, ok := idx[normalizeHeader(name)]
		if !ok || pos >= len(rec) {
			continue
		}
		if v := strings.TrimSpace(rec[pos]); v != "" {
			return v
		}
	}
	return ""
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.ToLower(strings.TrimSpace(h))
}
