package server

import (
	"vehiclecheck/internal/audit"
	"vehiclecheck/internal/domain"
)

// Request payloads

type AnalyzeRequest struct {
	Identifier     string `path:"identifier" doc:"VIN, plate (ABC1234, ABC1D23 or ABC-1234) or 11-digit registration"`
	IdempotencyKey string `header:"Idempotency-Key" doc:"Optional; derived from the identifier when absent"`
}

type ListLogsRequest struct {
	Page int    `query:"page" minimum:"0" doc:"Zero-based page"`
	Size int    `query:"size" default:"20" minimum:"1" maximum:"200"`
	VIN  string `query:"vin" doc:"Only records for this canonical VIN"`
}

// Response payloads

type AnalyzeResponse struct {
	IdempotencyKey string `header:"Idempotency-Key"`
	Replayed       string `header:"Idempotent-Replayed"`
	Body           domain.ConsolidatedAnalysis
}

type SupplierStateResponse struct {
	Supplier string `json:"supplier" enum:"F1,F2,F3"`
	State    string `json:"state" enum:"CLOSED,OPEN,HALF_OPEN,UNKNOWN"`
}

type LogPageResponse struct {
	Items []domain.AuditRecord `json:"items"`
	Page  int                  `json:"page"`
	Size  int                  `json:"size"`
	Total int64                `json:"total"`
}

func logPageResponse(p audit.Page) LogPageResponse {
	items := p.Items
	if items == nil {
		items = []domain.AuditRecord{}
	}
	return LogPageResponse{Items: items, Page: p.Page, Size: p.Size, Total: p.Total}
}
