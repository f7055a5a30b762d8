package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsrota/ctask-backend/internal/console"
	"github.com/opsrota/ctask-backend/internal/metrics"
	"github.com/opsrota/ctask-backend/internal/models"
	"github.com/opsrota/ctask-backend/internal/servicenow"
)

const (
	ReasonAssigned         = "ASSIGNED"
	ReasonNoShiftMatch     = "NO_SHIFT_MATCH"
	ReasonNoEngineer       = "NO_ENGINEER_ON_SHIFT"
	ReasonExternalCall     = "EXTERNAL_CALL_ERROR"
	ReasonParseError       = "PARSE_ERROR"
	ReasonNotEligible      = "NOT_ELIGIBLE"
	ReasonAlreadyProcessed = "ALREADY_PROCESSED"
)

// When a ticket carries a date but no time of day, assume mid-morning.
const defaultPlannedTime = "09:00:00"

const (
	defaultDedupeTTL    = 15 * time.Minute
	maxDedupeEntries    = 512
	eligibleTicketState = "Open"
)

type RosterQuery interface {
	EngineersOnShift(ctx context.Context, date time.Time, shiftCode string) ([]models.Engineer, error)
	Schedule(ctx context.Context, start, end time.Time) (map[string]map[string][]models.Engineer, error)
}

// AssignmentRecorder persists assignment outcomes for later review. It is
// optional; a nil recorder disables persistence.
type AssignmentRecorder interface {
	RecordAssignment(ctx context.Context, r models.AssignmentResult) error
}

// Assigner decides and executes a single change-task assignment: resolve the
// shift for the planned time, query the roster, pick an engineer, and push
// the assignment to the ticketing system.
type Assigner struct {
	Roster         RosterQuery
	Ticketing      servicenow.Client
	Recorder       AssignmentRecorder
	Console        *console.Audit
	Logger         zerolog.Logger
	Resolver       *ShiftResolver
	EligibleGroups []string
	Now            func() time.Time
	DedupeTTL      time.Duration

	mu       sync.Mutex
	recently map[string]time.Time
}

func NewAssigner(roster RosterQuery, ticketing servicenow.Client, recorder AssignmentRecorder, audit *console.Audit, logger zerolog.Logger, eligibleGroups []string) *Assigner {
	return &Assigner{
		Roster:         roster,
		Ticketing:      ticketing,
		Recorder:       recorder,
		Console:        audit,
		Logger:         logger,
		Resolver:       NewShiftResolver(),
		EligibleGroups: eligibleGroups,
		Now:            time.Now,
		DedupeTTL:      defaultDedupeTTL,
		recently:       map[string]time.Time{},
	}
}

// FindEngineerOnDuty resolves the shift covering the planned instant and
// returns the selected engineer. The reason code distinguishes "no window
// matched" from "window matched but roster empty".
func (a *Assigner) FindEngineerOnDuty(ctx context.Context, date time.Time, timeOfDay time.Duration) (models.Engineer, string, string) {
	shiftCode, ok := a.Resolver.Resolve(date, timeOfDay)
	if !ok {
		a.Console.Warning("could not determine shift for planned time", map[string]any{
			"date": date.Format(dateLayout),
			"time": formatTimeOfDay(timeOfDay),
		})
		return models.Engineer{}, "", ReasonNoShiftMatch
	}

	window, _ := a.Resolver.WindowByCode(shiftCode)
	a.Console.Info(fmt.Sprintf("shift detection: %s -> %s (%s)", formatTimeOfDay(timeOfDay), shiftCode, window.Name), map[string]any{
		"date":       date.Format(dateLayout),
		"time":       formatTimeOfDay(timeOfDay),
		"shift_code": shiftCode,
		"shift_name": window.Name,
	})

	candidates, err := a.Roster.EngineersOnShift(ctx, date, shiftCode)
	if err != nil {
		a.Logger.Error().Err(err).Str("shift", shiftCode).Msg("roster query failed")
		a.Console.Error("roster query failed", map[string]any{"shift_code": shiftCode, "error": err.Error()})
		return models.Engineer{}, shiftCode, ReasonExternalCall
	}
	if len(candidates) == 0 {
		a.Console.Warning(fmt.Sprintf("no engineers on %s shift for %s", shiftCode, date.Format(dateLayout)), map[string]any{
			"shift_code": shiftCode,
			"date":       date.Format(dateLayout),
		})
		return models.Engineer{}, shiftCode, ReasonNoEngineer
	}

	names := make([]string, 0, len(candidates))
	for _, e := range candidates {
		names = append(names, e.Name)
	}
	a.Console.Info(fmt.Sprintf("found %d engineers on %s shift", len(candidates), shiftCode), map[string]any{
		"engineers":  names,
		"shift_code": shiftCode,
	})

	engineer, _ := SelectEngineer(candidates)
	a.Console.Success(fmt.Sprintf("selected engineer (alphabetical): %s", engineer.Name), map[string]any{
		"selected":         engineer.Name,
		"all_available":    names,
		"selection_method": "first alphabetically",
	})
	return engineer, shiftCode, ReasonAssigned
}

// AutoAssign runs the full decision for one change task. It never returns an
// error; failures are encoded in the result's reason code and message.
func (a *Assigner) AutoAssign(ctx context.Context, number, plannedDate, plannedTime string) models.AssignmentResult {
	result := models.AssignmentResult{
		Number:      number,
		PlannedDate: plannedDate,
		PlannedTime: plannedTime,
		AssignedAt:  a.Now(),
	}

	date, err := ParseDate(plannedDate)
	if err == nil {
		var timeOfDay time.Duration
		timeOfDay, err = ParseTimeOfDay(plannedTime)
		if err == nil {
			return a.autoAssignParsed(ctx, result, date, timeOfDay)
		}
	}

	result.ReasonCode = ReasonParseError
	result.Message = fmt.Sprintf("invalid planned date/time %q %q: %v", plannedDate, plannedTime, err)
	a.Console.Error("invalid planned date/time", map[string]any{"ctask": number, "error": err.Error()})
	a.finish(ctx, &result)
	return result
}

func (a *Assigner) autoAssignParsed(ctx context.Context, result models.AssignmentResult, date time.Time, timeOfDay time.Duration) models.AssignmentResult {
	number := result.Number

	if !a.markProcessed(number) {
		result.Success = true
		result.ReasonCode = ReasonAlreadyProcessed
		result.Message = fmt.Sprintf("%s was assigned within the last %s, skipping", number, a.dedupeTTL())
		a.Logger.Debug().Str("ctask", number).Msg("duplicate assignment attempt suppressed")
		return result
	}

	a.Console.Info(fmt.Sprintf("starting auto-assignment for %s", number), map[string]any{
		"ctask":        number,
		"planned_date": result.PlannedDate,
		"planned_time": result.PlannedTime,
	})

	engineer, shiftCode, reason := a.FindEngineerOnDuty(ctx, date, timeOfDay)
	result.ShiftCode = shiftCode
	if reason != ReasonAssigned {
		a.unmarkProcessed(number)
		result.ReasonCode = reason
		result.Message = fmt.Sprintf("no engineer on duty for %s at %s", result.PlannedDate, result.PlannedTime)
		a.finish(ctx, &result)
		return result
	}

	result.AssignedTo = engineer.Name
	result.AssignedEmail = engineer.Email

	if !a.Ticketing.IsConfigured() {
		// Degraded-but-deliberate mode for environments without a live
		// ticketing backend: the decision is made and surfaced, the
		// external update is skipped.
		result.Success = true
		result.ReasonCode = ReasonAssigned
		result.Mode = models.ModeSimulated
		result.Message = fmt.Sprintf("simulated assignment of %s to %s (ticketing backend not configured)", number, engineer.Name)
		a.Console.Success("assignment simulated, ticketing backend not configured", map[string]any{
			"ctask":       number,
			"assigned_to": engineer.Name,
			"shift_code":  shiftCode,
		})
		a.finish(ctx, &result)
		return result
	}

	outcome, err := a.Ticketing.AssignChangeTask(ctx, number, engineer.Email)
	if err != nil {
		a.unmarkProcessed(number)
		result.ReasonCode = ReasonExternalCall
		result.Mode = models.ModeLive
		result.Message = fmt.Sprintf("found engineer %s but ticketing update failed: %v", engineer.Name, err)
		a.Console.Error("ticketing assignment failed", map[string]any{
			"ctask":             number,
			"intended_engineer": engineer.Name,
			"error":             err.Error(),
		})
		a.finish(ctx, &result)
		return result
	}
	if !outcome.Success {
		a.unmarkProcessed(number)
		result.ReasonCode = ReasonExternalCall
		result.Mode = models.ModeLive
		result.Message = outcome.Message
		a.Console.Error("ticketing system rejected assignment", map[string]any{
			"ctask":   number,
			"message": outcome.Message,
		})
		a.finish(ctx, &result)
		return result
	}

	result.Success = true
	result.ReasonCode = ReasonAssigned
	result.Mode = models.ModeLive
	result.Message = fmt.Sprintf("assigned %s to %s", number, engineer.Name)
	a.Console.Success("assignment completed", map[string]any{
		"ctask":       number,
		"assigned_to": engineer.Name,
		"shift_code":  shiftCode,
		"shift_logic": fmt.Sprintf("time %s -> %s shift -> first engineer alphabetically", result.PlannedTime, shiftCode),
	})
	a.finish(ctx, &result)
	return result
}

// AssignNow assigns a single task immediately, pulling its planned time from
// the ticketing system first. Without a configured backend the current wall
// clock stands in for the planned time.
func (a *Assigner) AssignNow(ctx context.Context, number string) models.AssignmentResult {
	if !a.Ticketing.IsConfigured() {
		now := a.Now()
		return a.AutoAssign(ctx, number, now.Format(dateLayout), now.Format(timeLayout))
	}

	task, err := a.Ticketing.GetChangeTask(ctx, number)
	if err != nil {
		result := models.AssignmentResult{
			Number:     number,
			ReasonCode: ReasonExternalCall,
			Message:    fmt.Sprintf("failed to fetch %s from ticketing system: %v", number, err),
			AssignedAt: a.Now(),
		}
		a.finish(ctx, &result)
		return result
	}
	if task == nil {
		result := models.AssignmentResult{
			Number:     number,
			ReasonCode: ReasonExternalCall,
			Message:    fmt.Sprintf("change task %s not found", number),
			AssignedAt: a.Now(),
		}
		a.finish(ctx, &result)
		return result
	}

	plannedDate, plannedTime, source := a.ExtractPlannedDatetime(*task)
	if plannedDate == "" {
		result := models.AssignmentResult{
			Number:     number,
			ReasonCode: ReasonParseError,
			Message:    fmt.Sprintf("no planned date/time found for %s", number),
			AssignedAt: a.Now(),
		}
		a.finish(ctx, &result)
		return result
	}
	a.Logger.Debug().Str("ctask", number).Str("source", source).Msg("planned time extracted")
	return a.AutoAssign(ctx, number, plannedDate, plannedTime)
}

// ExtractPlannedDatetime scans the ticket's date-bearing fields in priority
// order and returns the first usable (date, time) pair plus the field it came
// from. Date-only values default the time to 09:00:00. Tickets with no timing
// data that are still eligible (configured assignment group, Open state) fall
// back to the current wall clock so they remain actionable; this fallback
// lives only here.
func (a *Assigner) ExtractPlannedDatetime(task models.ChangeTask) (string, string, string) {
	fields := []struct {
		name  string
		value models.FieldValue
	}{
		{"planned_start_date", task.PlannedStartDate},
		{"work_start", task.WorkStart},
		{"planned_end_date", task.PlannedEndDate},
		{"work_end", task.WorkEnd},
	}

	for _, f := range fields {
		raw := f.value.Scalar()
		if raw == "" {
			continue
		}
		if datePart, timePart, found := strings.Cut(raw, " "); found {
			return datePart, strings.TrimSpace(timePart), f.name
		}
		return raw, defaultPlannedTime, f.name
	}

	if a.eligibleForFallback(task) {
		now := a.Now()
		a.Logger.Info().Str("ctask", task.Number).Msg("no timing data, using current time fallback for eligible task")
		return now.Format(dateLayout), now.Format(timeLayout), "current_time_fallback"
	}

	return "", "", ""
}

func (a *Assigner) eligibleForFallback(task models.ChangeTask) bool {
	if !strings.EqualFold(task.State.Scalar(), eligibleTicketState) {
		return false
	}
	group := task.AssignmentGroup.Scalar()
	for _, g := range a.EligibleGroups {
		if strings.EqualFold(group, g) {
			return true
		}
	}
	return false
}

type BatchSummary struct {
	Timestamp  time.Time                 `json:"timestamp"`
	Total      int                       `json:"total_processed"`
	Successful int                       `json:"successful_assignments"`
	Failed     int                       `json:"failed_assignments"`
	DurationMS int64                     `json:"processing_time_ms"`
	Results    []models.AssignmentResult `json:"results"`
}

// ProcessPending fetches all unassigned tasks and runs the assignment
// decision for each. A single ticket's failure never aborts the batch; the
// only error returned is a failure to fetch the batch itself.
func (a *Assigner) ProcessPending(ctx context.Context) (BatchSummary, error) {
	start := a.Now()
	summary := BatchSummary{Timestamp: start}

	if !a.Ticketing.IsConfigured() {
		a.Logger.Debug().Msg("ticketing backend not configured, nothing to poll")
		return summary, nil
	}

	tasks, err := a.Ticketing.UnassignedChangeTasks(ctx)
	if err != nil {
		a.Console.Error("failed to fetch unassigned change tasks", map[string]any{"error": err.Error()})
		return summary, err
	}
	a.Logger.Info().Int("count", len(tasks)).Msg("unassigned change tasks fetched")

	for _, task := range tasks {
		var result models.AssignmentResult

		plannedDate, plannedTime, source := a.ExtractPlannedDatetime(task)
		if plannedDate == "" {
			result = models.AssignmentResult{
				Number:     task.Number,
				ReasonCode: ReasonNotEligible,
				Message: fmt.Sprintf("%s not eligible: group=%s, state=%s",
					task.Number, task.AssignmentGroup.Scalar(), task.State.Scalar()),
				AssignedAt: a.Now(),
			}
			a.finish(ctx, &result)
		} else {
			a.Logger.Debug().Str("ctask", task.Number).Str("source", source).Msg("planned time extracted")
			result = a.AutoAssign(ctx, task.Number, plannedDate, plannedTime)
		}

		summary.Results = append(summary.Results, result)
		if result.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}

	summary.Total = len(summary.Results)
	summary.DurationMS = time.Since(start).Milliseconds()
	if summary.Total > 0 {
		a.Logger.Info().
			Int("total", summary.Total).
			Int("successful", summary.Successful).
			Int("failed", summary.Failed).
			Msg("pending change tasks processed")
	}
	return summary, nil
}

// finish records the result and bumps metrics; it is the single exit point
// for every decided result.
func (a *Assigner) finish(ctx context.Context, r *models.AssignmentResult) {
	mode := r.Mode
	if mode == "" {
		mode = "none"
	}
	metrics.AssignmentsTotal.WithLabelValues(r.ReasonCode, mode).Inc()

	if a.Recorder != nil {
		if err := a.Recorder.RecordAssignment(ctx, *r); err != nil {
			a.Logger.Error().Err(err).Str("ctask", r.Number).Msg("failed to record assignment result")
		}
	}
}

func (a *Assigner) dedupeTTL() time.Duration {
	if a.DedupeTTL <= 0 {
		return defaultDedupeTTL
	}
	return a.DedupeTTL
}

// markProcessed claims the ticket for this attempt. It returns false when
// the ticket was already claimed within the TTL, which suppresses the
// double-assignment race between the poll loop and manual triggers.
func (a *Assigner) markProcessed(number string) bool {
	now := a.Now()
	ttl := a.dedupeTTL()

	a.mu.Lock()
	defer a.mu.Unlock()

	if at, ok := a.recently[number]; ok && now.Sub(at) < ttl {
		return false
	}

	if len(a.recently) >= maxDedupeEntries {
		for n, at := range a.recently {
			if now.Sub(at) >= ttl {
				delete(a.recently, n)
			}
		}
		// Still full after pruning: drop the oldest entry.
		if len(a.recently) >= maxDedupeEntries {
			var oldest string
			var oldestAt time.Time
			for n, at := range a.recently {
				if oldest == "" || at.Before(oldestAt) {
					oldest, oldestAt = n, at
				}
			}
			delete(a.recently, oldest)
		}
	}

	a.recently[number] = now
	return true
}

// unmarkProcessed releases the claim after a failed attempt so the next poll
// cycle can retry the ticket.
func (a *Assigner) unmarkProcessed(number string) {
	a.mu.Lock()
	delete(a.recently, number)
	a.mu.Unlock()
}

func formatTimeOfDay(d time.Duration) string {
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
