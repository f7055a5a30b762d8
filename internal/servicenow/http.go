package servicenow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsrota/ctask-backend/internal/metrics"
	"github.com/opsrota/ctask-backend/internal/models"
)

// Change task states 4 (Closed) and 7 (Cancelled) are excluded from the
// unassigned query; everything else is still actionable.
const excludeClosedStates = "state!=4^state!=7"

var _ Client = (*HTTPClient)(nil)

type HTTPClient struct {
	InstanceURL      string
	Username         string
	Password         string
	AssignmentGroups []string
	Client           *http.Client
	Logger           zerolog.Logger
}

func NewHTTPClient(instanceURL, username, password string, groups []string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		InstanceURL:      strings.TrimRight(instanceURL, "/"),
		Username:         username,
		Password:         password,
		AssignmentGroups: groups,
		Client:           &http.Client{Timeout: timeout},
		Logger:           logger,
	}
}

func (c *HTTPClient) IsConfigured() bool {
	return c.InstanceURL != "" && c.Username != "" && c.Password != ""
}

type tableResponse[T any] struct {
	Result []T `json:"result"`
}

type sysIDRecord struct {
	SysID  string `json:"sys_id"`
	Number string `json:"number"`
}

type userRecord struct {
	SysID string `json:"sys_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// AssignChangeTask resolves the task and user sys_ids, then patches the
// task's assigned_to reference. A missing task or user is reported through
// the outcome, not as an error; errors mean the API itself failed.
func (c *HTTPClient) AssignChangeTask(ctx context.Context, number, assigneeEmail string) (AssignOutcome, error) {
	start := time.Now()
	defer func() {
		metrics.ServiceNowRequestDuration.WithLabelValues("assign").Observe(time.Since(start).Seconds())
	}()

	var tasks tableResponse[sysIDRecord]
	query := url.Values{
		"sysparm_query":         {"number=" + number},
		"sysparm_fields":        {"sys_id,number"},
		"sysparm_display_value": {"false"},
	}
	if err := c.get(ctx, "/api/now/table/change_task", query, &tasks); err != nil {
		return AssignOutcome{}, err
	}
	if len(tasks.Result) == 0 {
		return AssignOutcome{Success: false, Message: fmt.Sprintf("change task %s not found", number)}, nil
	}
	taskSysID := tasks.Result[0].SysID

	var users tableResponse[userRecord]
	query = url.Values{
		"sysparm_query":         {"email=" + assigneeEmail},
		"sysparm_fields":        {"sys_id,name,email"},
		"sysparm_display_value": {"false"},
	}
	if err := c.get(ctx, "/api/now/table/sys_user", query, &users); err != nil {
		return AssignOutcome{}, err
	}
	if len(users.Result) == 0 {
		return AssignOutcome{Success: false, Message: fmt.Sprintf("user %s not found in ServiceNow", assigneeEmail)}, nil
	}
	user := users.Result[0]

	c.Logger.Info().Str("ctask", number).Str("assignee", user.Name).Msg("assigning change task")

	body, _ := json.Marshal(map[string]string{"assigned_to": user.SysID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.InstanceURL+"/api/now/table/change_task/"+taskSysID, bytes.NewReader(body))
	if err != nil {
		return AssignOutcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.Username, c.Password)

	resp, err := c.Client.Do(req)
	if err != nil {
		return AssignOutcome{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return AssignOutcome{}, fmt.Errorf("servicenow assignment update failed: %s", resp.Status)
	}

	return AssignOutcome{
		Success:    true,
		Message:    fmt.Sprintf("assigned %s to %s", number, user.Name),
		AssignedTo: user.Name,
	}, nil
}

// UnassignedChangeTasks fetches tasks routed to the configured assignment
// groups that have no assigned_to user and are not closed or cancelled.
// sysparm_display_value=true makes reference fields arrive as
// {display_value, value} pairs; models.FieldValue absorbs both shapes.
func (c *HTTPClient) UnassignedChangeTasks(ctx context.Context) ([]models.ChangeTask, error) {
	start := time.Now()
	defer func() {
		metrics.ServiceNowRequestDuration.WithLabelValues("unassigned").Observe(time.Since(start).Seconds())
	}()

	var parts []string
	if len(c.AssignmentGroups) > 0 {
		groupQueries := make([]string, 0, len(c.AssignmentGroups))
		for _, g := range c.AssignmentGroups {
			groupQueries = append(groupQueries, "assignment_group.name="+g)
		}
		parts = append(parts, "("+strings.Join(groupQueries, "^OR")+")")
	}
	parts = append(parts, "assigned_to=NULL", excludeClosedStates)

	var tasks tableResponse[models.ChangeTask]
	query := url.Values{
		"sysparm_query":         {strings.Join(parts, "^")},
		"sysparm_fields":        {"sys_id,number,short_description,state,assignment_group,change_request,planned_start_date,planned_end_date,work_start,work_end"},
		"sysparm_limit":         {"100"},
		"sysparm_display_value": {"true"},
	}
	if err := c.get(ctx, "/api/now/table/change_task", query, &tasks); err != nil {
		return nil, err
	}
	return tasks.Result, nil
}

func (c *HTTPClient) GetChangeTask(ctx context.Context, number string) (*models.ChangeTask, error) {
	start := time.Now()
	defer func() {
		metrics.ServiceNowRequestDuration.WithLabelValues("get_task").Observe(time.Since(start).Seconds())
	}()

	var tasks tableResponse[models.ChangeTask]
	query := url.Values{
		"sysparm_query":         {"number=" + number},
		"sysparm_fields":        {"sys_id,number,short_description,state,assignment_group,change_request,planned_start_date,planned_end_date,work_start,work_end"},
		"sysparm_limit":         {"1"},
		"sysparm_display_value": {"true"},
	}
	if err := c.get(ctx, "/api/now/table/change_task", query, &tasks); err != nil {
		return nil, err
	}
	if len(tasks.Result) == 0 {
		return nil, nil
	}
	task := tasks.Result[0]
	return &task, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.InstanceURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.Username, c.Password)

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("servicenow http error: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
