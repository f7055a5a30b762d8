package models

import (
	"encoding/json"
	"strings"
	"time"
)

type Engineer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Contact string `json:"contact,omitempty"`
}

type RosterEntry struct {
	Date      time.Time `json:"date"`
	ShiftCode string    `json:"shift_code"`
	Engineer  Engineer  `json:"engineer"`
}

// FieldValue holds a ServiceNow field that arrives either as a plain string
// or as a {display_value, value} pair, depending on sysparm_display_value.
type FieldValue struct {
	Display string `json:"display_value"`
	Value   string `json:"value"`
}

func (f *FieldValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		f.Display = s
		f.Value = s
		return nil
	}
	type pair FieldValue
	var p pair
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = FieldValue(p)
	return nil
}

func (f FieldValue) MarshalJSON() ([]byte, error) {
	if f.Display == f.Value {
		return json.Marshal(f.Display)
	}
	type pair FieldValue
	return json.Marshal(pair(f))
}

// Scalar collapses the field to a single string, preferring the display value.
func (f FieldValue) Scalar() string {
	if v := strings.TrimSpace(f.Display); v != "" {
		return v
	}
	return strings.TrimSpace(f.Value)
}

func (f FieldValue) IsEmpty() bool {
	return f.Scalar() == ""
}

type ChangeTask struct {
	SysID            string     `json:"sys_id"`
	Number           string     `json:"number"`
	ShortDescription string     `json:"short_description"`
	State            FieldValue `json:"state"`
	AssignmentGroup  FieldValue `json:"assignment_group"`
	ChangeRequest    FieldValue `json:"change_request"`
	PlannedStartDate FieldValue `json:"planned_start_date"`
	PlannedEndDate   FieldValue `json:"planned_end_date"`
	WorkStart        FieldValue `json:"work_start"`
	WorkEnd          FieldValue `json:"work_end"`
}

const (
	ModeLive      = "live"
	ModeSimulated = "simulated"
)

type AssignmentResult struct {
	Success       bool      `json:"success"`
	Message       string    `json:"message"`
	Number        string    `json:"ctask_number"`
	ReasonCode    string    `json:"reason_code"`
	Mode          string    `json:"mode,omitempty"`
	AssignedTo    string    `json:"assigned_to,omitempty"`
	AssignedEmail string    `json:"assigned_email,omitempty"`
	ShiftCode     string    `json:"shift_code,omitempty"`
	PlannedDate   string    `json:"planned_date,omitempty"`
	PlannedTime   string    `json:"planned_time,omitempty"`
	AssignedAt    time.Time `json:"assigned_at"`
}

type SchedulerStatus struct {
	Running       bool          `json:"running"`
	CheckInterval time.Duration `json:"check_interval"`
	LastCheck     *time.Time    `json:"last_check,omitempty"`
	NextCheck     *time.Time    `json:"next_check,omitempty"`
	LastStarted   *time.Time    `json:"last_started,omitempty"`
	LastStopped   *time.Time    `json:"last_stopped,omitempty"`
}
