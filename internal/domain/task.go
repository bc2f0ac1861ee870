package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus enumerates lifecycle stages of a single contact.
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusCalling      TaskStatus = "calling"
	TaskStatusAnswered     TaskStatus = "answered"
	TaskStatusBusy         TaskStatus = "busy"
	TaskStatusNoAnswer     TaskStatus = "no_answer"
	TaskStatusCongestion   TaskStatus = "congestion"
	TaskStatusError        TaskStatus = "error"
	TaskStatusRetryPending TaskStatus = "retry_pending"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusAIHandled    TaskStatus = "ai_handled"
	TaskStatusTransferred  TaskStatus = "transferred"
	TaskStatusWaitingAgent TaskStatus = "waiting_agent"
	TaskStatusCancelled    TaskStatus = "cancelled"
)

// AllTaskStatuses lists every status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending, TaskStatusCalling, TaskStatusAnswered, TaskStatusBusy,
	TaskStatusNoAnswer, TaskStatusCongestion, TaskStatusError, TaskStatusRetryPending,
	TaskStatusFailed, TaskStatusAIHandled, TaskStatusTransferred, TaskStatusWaitingAgent,
	TaskStatusCancelled,
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, st := range AllTaskStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Handled reports whether s is one of the post-answer resolved states.
func (s TaskStatus) Handled() bool {
	return s == TaskStatusAIHandled || s == TaskStatusTransferred || s == TaskStatusWaitingAgent
}

// Terminal reports whether no further transition is possible except an explicit reset.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusFailed || s == TaskStatusCancelled || s.Handled()
}

var transitions = map[TaskStatus][]TaskStatus{
	// pending -> failed when the attempt budget shrank below the attempts already made
	TaskStatusPending: {TaskStatusCalling, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusCalling: {TaskStatusAnswered, TaskStatusBusy, TaskStatusNoAnswer, TaskStatusCongestion, TaskStatusError},
	// answered -> failed when the connection ends before any handling is applied
	TaskStatusAnswered:     {TaskStatusAIHandled, TaskStatusTransferred, TaskStatusWaitingAgent, TaskStatusFailed},
	TaskStatusBusy:         {TaskStatusRetryPending, TaskStatusFailed},
	TaskStatusNoAnswer:     {TaskStatusRetryPending, TaskStatusFailed},
	TaskStatusCongestion:   {TaskStatusRetryPending, TaskStatusFailed},
	TaskStatusError:        {TaskStatusRetryPending, TaskStatusFailed},
	TaskStatusRetryPending: {TaskStatusPending, TaskStatusCancelled},
	// operator "retry all failed"
	TaskStatusFailed: {TaskStatusPending},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanStore reports whether a store may move a task from one persisted status to another.
// The outcome statuses busy, no_answer, congestion and error are never persisted: the
// outcome is kept in Task.Outcome and the status advances straight to its follow-on, so
// a stored step may pass through exactly one of them.
func CanStore(from, to TaskStatus) bool {
	if CanTransition(from, to) {
		return true
	}
	if from != TaskStatusCalling {
		return false
	}
	for _, mid := range transitions[TaskStatusCalling] {
		if mid.outcome() && CanTransition(mid, to) {
			return true
		}
	}
	return false
}

func (s TaskStatus) outcome() bool {
	switch s {
	case TaskStatusBusy, TaskStatusNoAnswer, TaskStatusCongestion, TaskStatusError:
		return true
	}
	return false
}

// AbandonedResult is the result of an answered task whose connection ended before handling.
const AbandonedResult = "abandoned_before_handling"

// Outcome is the switch-reported result of one dial attempt.
type Outcome string

const (
	OutcomeAnswered   Outcome = "answered"
	OutcomeBusy       Outcome = "busy"
	OutcomeNoAnswer   Outcome = "no_answer"
	OutcomeCongestion Outcome = "congestion"
	OutcomeError      Outcome = "error"
)

// Status maps an outcome onto its intermediate task status.
func (o Outcome) Status() TaskStatus {
	switch o {
	case OutcomeAnswered:
		return TaskStatusAnswered
	case OutcomeBusy:
		return TaskStatusBusy
	case OutcomeNoAnswer:
		return TaskStatusNoAnswer
	case OutcomeCongestion:
		return TaskStatusCongestion
	default:
		return TaskStatusError
	}
}

// Handling is the post-answer routing chosen for a call.
type Handling string

const (
	HandlingHuman Handling = "human"
	HandlingAI    Handling = "ai"
	HandlingQueue Handling = "queue"
)

// Valid reports whether h is a known handling.
func (h Handling) Valid() bool {
	return h == HandlingHuman || h == HandlingAI || h == HandlingQueue
}

// Status maps a handling onto the resolved task status.
func (h Handling) Status() TaskStatus {
	switch h {
	case HandlingAI:
		return TaskStatusAIHandled
	case HandlingQueue:
		return TaskStatusWaitingAgent
	default:
		return TaskStatusTransferred
	}
}

// ReachesAgent reports whether the handling connects the contact to a human agent.
func (h Handling) ReachesAgent() bool {
	return h == HandlingHuman || h == HandlingQueue
}

// Task is one contact to be dialed within a campaign.
type Task struct {
	ID             uuid.UUID
	CampaignID     uuid.UUID
	PhoneNumber    string
	DisplayName    string
	Status         TaskStatus
	Attempts       int
	MaxAttempts    int
	LastAttemptAt  *time.Time
	NextAttemptAt  *time.Time
	Handle         string
	ConnectionID   string
	Outcome        Outcome
	Result         string
	Handling       Handling
	TransferTarget string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NextAfterOutcome computes where a non-answered attempt leaves the task.
// The task must already carry the attempt count of the attempt that just ended.
func (t *Task) NextAfterOutcome(outcome Outcome, now time.Time, interval time.Duration) (TaskStatus, string, *time.Time) {
	if t.Attempts < t.MaxAttempts {
		next := now.Add(interval)
		return TaskStatusRetryPending, string(outcome), &next
	}
	return TaskStatusFailed, ExhaustedResult(outcome), nil
}

// ExhaustedResult is the operator-facing result of a task that ran out of attempts.
func ExhaustedResult(last Outcome) string {
	return fmt.Sprintf("max_attempts: %s", last)
}

// CallAttempt captures one dial attempt for the history log.
type CallAttempt struct {
	TaskID       uuid.UUID
	CampaignID   uuid.UUID
	AttemptNum   int
	Handle       string
	ConnectionID string
	Outcome      Outcome
	Cause        string
	StartedAt    time.Time
	Duration     time.Duration
}
