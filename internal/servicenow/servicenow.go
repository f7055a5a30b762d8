// Package servicenow talks to the ServiceNow Table API for change task
// lookups and assignment updates.
package servicenow

import (
	"context"

	"github.com/opsrota/ctask-backend/internal/models"
)

// AssignOutcome is the ticketing system's answer to an assignment request.
type AssignOutcome struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	AssignedTo string `json:"assigned_to,omitempty"`
}

// Client is the ticketing-system boundary consumed by the assignment service.
// An unconfigured client is not an error: callers degrade to simulated mode.
type Client interface {
	IsConfigured() bool
	AssignChangeTask(ctx context.Context, number, assigneeEmail string) (AssignOutcome, error)
	UnassignedChangeTasks(ctx context.Context) ([]models.ChangeTask, error)
	GetChangeTask(ctx context.Context, number string) (*models.ChangeTask, error)
}
