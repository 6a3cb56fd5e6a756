package domain

import (
	"time"

	"github.com/google/uuid"
)

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// Metrics holds the per-campaign delivery counters. All three are monotonic;
// Sent counts attempts, so Sent == Successful + Failed at all times.
type Metrics struct {
	Sent       int64
	Successful int64
	Failed     int64
}

type Campaign struct {
	ID   uuid.UUID
	Name string

	TemplateID uuid.UUID

	// LeadIDs is ordered; the scheduler assigns due times by ordinal position.
	LeadIDs         []uuid.UUID
	EmailAccountIDs []uuid.UUID

	Window  Window
	Status  CampaignStatus
	Metrics Metrics

	CreatedAt time.Time
	UpdatedAt time.Time
}
