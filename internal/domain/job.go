package domain

import (
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// DeliveryJob is the scheduling unit: "send this campaign's message to this
// lead at this time". (CampaignID, LeadID) is unique among non-terminal jobs,
// so re-scheduling a campaign can never fan out duplicate sends.
type DeliveryJob struct {
	ID uuid.UUID

	CampaignID uuid.UUID
	LeadID     uuid.UUID

	TemplateID     uuid.UUID
	EmailAccountID uuid.UUID

	DueAt   time.Time
	Attempt int
	State   JobState

	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}
