package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
)

// CommandType names an engine operation carried on the control topic.
type CommandType string

const (
	CommandTriggerWave CommandType = "trigger_wave"
	CommandResolve     CommandType = "resolve"
	CommandHangup      CommandType = "hangup"
)

// ControlCommand asks the dialer process to run an engine operation.
type ControlCommand struct {
	ID         uuid.UUID       `json:"id"`
	Type       CommandType     `json:"type"`
	CampaignID uuid.UUID       `json:"campaign_id,omitempty"`
	TaskID     uuid.UUID       `json:"task_id,omitempty"`
	Handling   domain.Handling `json:"handling,omitempty"`
	Target     string          `json:"target,omitempty"`
	IssuedAt   time.Time       `json:"issued_at"`
}

// Key returns the partition key: commands for one campaign or task stay ordered.
func (c ControlCommand) Key() []byte {
	if c.TaskID != uuid.Nil {
		return c.TaskID[:]
	}
	return c.CampaignID[:]
}

// Validate checks the command carries what its type needs.
func (c ControlCommand) Validate() error {
	switch c.Type {
	case CommandTriggerWave:
		if c.CampaignID == uuid.Nil {
			return fmt.Errorf("control command %s: campaign id required", c.Type)
		}
	case CommandResolve:
		if c.TaskID == uuid.Nil {
			return fmt.Errorf("control command %s: task id required", c.Type)
		}
		if !c.Handling.Valid() {
			return fmt.Errorf("control command %s: unknown handling %q", c.Type, c.Handling)
		}
	case CommandHangup:
		if c.TaskID == uuid.Nil {
			return fmt.Errorf("control command %s: task id required", c.Type)
		}
	default:
		return fmt.Errorf("control command: unknown type %q", c.Type)
	}
	return nil
}
