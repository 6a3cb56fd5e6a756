package api

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// ScheduleResponse reports the outcome of scheduling a campaign.
type ScheduleResponse struct {
	Status string `json:"status"`
}

// CampaignResponse is the read model for a campaign.
type CampaignResponse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	TemplateID string         `json:"template_id"`
	Window     WindowResponse `json:"window"`
	Leads      int            `json:"leads"`
	Accounts   int            `json:"accounts"`
	Sent       int64          `json:"sent"`
	Successful int64          `json:"successful"`
	Failed     int64          `json:"failed"`
}

type WindowResponse struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// JobResponse is the read model for a delivery job.
type JobResponse struct {
	ID        string `json:"id"`
	LeadID    string `json:"lead_id"`
	AccountID string `json:"email_account_id"`
	DueAt     string `json:"due_at"`
	Attempt   int    `json:"attempt"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// ValidateTemplateRequest carries template text for spin-syntax validation.
type ValidateTemplateRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type ValidateTemplateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// PreviewTemplateRequest renders a template against sample variables.
// Count asks for that many committed sample renders alongside the preview.
type PreviewTemplateRequest struct {
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Variables map[string]string `json:"variables"`
	Count     int               `json:"count"`
}

// TemplateVariation is one fully-rendered sample of the template.
type TemplateVariation struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type PreviewTemplateResponse struct {
	Subject    string              `json:"subject"`
	Body       string              `json:"body"`
	Variations []TemplateVariation `json:"variations,omitempty"`
}
