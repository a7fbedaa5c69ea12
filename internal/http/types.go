package http

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fyrsmithlabs/itemforge/internal/construct"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/scheduler"
)

// SubmitRequest is the body of POST /api/v1/runs.
type SubmitRequest struct {
	Preset       string               `json:"preset" validate:"required_without=Construct,excluded_with=Construct"`
	Construct    *construct.Construct `json:"construct"`
	Mode         string               `json:"mode" validate:"omitempty,oneof=human auto"`
	MaxRevisions *int                 `json:"max_revisions" validate:"omitempty,gte=0,lte=10"`
	NumItems     int                  `json:"num_items" validate:"omitempty,gte=1,lte=40"`
}

// RunConfig converts r for the scheduler.
func (r SubmitRequest) RunConfig() scheduler.RunConfig {
	return scheduler.RunConfig{
		Preset:       r.Preset,
		Construct:    r.Construct,
		Mode:         orchestrator.Mode(r.Mode),
		MaxRevisions: r.MaxRevisions,
		NumItems:     r.NumItems,
	}
}

// SubmitResponse is returned with 202 Accepted.
type SubmitResponse struct {
	RunID  string           `json:"run_id"`
	Status scheduler.Status `json:"status"`
}

// FeedbackRequest is the body of POST /api/v1/runs/:id/feedback.
type FeedbackRequest struct {
	Approve   bool           `json:"approve"`
	Decisions map[int]string `json:"decisions" validate:"omitempty,dive,keys,gt=0,endkeys,oneof=KEEP REVISE DISCARD"`
	Note      string         `json:"note" validate:"max=4000"`
}

func (r *FeedbackRequest) normalize() {
	for n, d := range r.Decisions {
		r.Decisions[n] = strings.ToUpper(strings.TrimSpace(d))
	}
}

// Response converts r for the dispatcher.
func (r FeedbackRequest) Response() orchestrator.ApprovalResponse {
	return orchestrator.ApprovalResponse{Approve: r.Approve, Decisions: r.Decisions, Note: r.Note}
}

// ListResponse is one page of runs.
type ListResponse struct {
	Runs     []scheduler.Run `json:"runs"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error      string `json:"error"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// requestValidator adapts go-playground/validator to echo.Validator.
type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	return &requestValidator{v: validator.New(validator.WithRequiredStructEnabled())}
}

func (rv *requestValidator) Validate(i interface{}) error {
	return rv.v.Struct(i)
}
