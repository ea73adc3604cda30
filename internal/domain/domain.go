package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidIdentifier  = errors.New("invalid identifier")
	ErrNormalization      = errors.New("identifier normalization failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("not found")
)

type IdentifierType string

const (
	IdentifierVIN          IdentifierType = "VIN"
	IdentifierPlate        IdentifierType = "PLATE"
	IdentifierRegistration IdentifierType = "REGISTRATION"
	IdentifierInvalid      IdentifierType = "INVALID"
)

// VehicleIdentifier is raw caller input together with its classification.
type VehicleIdentifier struct {
	Raw  string         `json:"raw"`
	Type IdentifierType `json:"type"`
}

type SupplierName string

const (
	SupplierF1 SupplierName = "F1"
	SupplierF2 SupplierName = "F2"
	SupplierF3 SupplierName = "F3"
)

// Suppliers lists every supplier in merge order.
var Suppliers = []SupplierName{SupplierF1, SupplierF2, SupplierF3}

type OutcomeStatus string

const (
	StatusSuccess   OutcomeStatus = "SUCCESS"
	StatusFailure   OutcomeStatus = "FAILURE"
	StatusTimeout   OutcomeStatus = "TIMEOUT"
	StatusNotCalled OutcomeStatus = "NOT_CALLED"
)

// SupplierStatus is the status triple recorded per supplier in an analysis.
type SupplierStatus struct {
	Status    OutcomeStatus `json:"status" enum:"SUCCESS,FAILURE,TIMEOUT,NOT_CALLED"`
	LatencyMs int64         `json:"latencyMs"`
	Error     string        `json:"error,omitempty"`
}

// SupplierOutcome is what a gateway hands back for one supplier call.
// Payload is non-nil exactly when Status is StatusSuccess.
type SupplierOutcome struct {
	Supplier SupplierName
	Status   OutcomeStatus
	Latency  time.Duration
	Err      string
	Payload  any
}

func Success(name SupplierName, latency time.Duration, payload any) SupplierOutcome {
	return SupplierOutcome{Supplier: name, Status: StatusSuccess, Latency: latency, Payload: payload}
}

func Failure(name SupplierName, latency time.Duration, msg string) SupplierOutcome {
	return SupplierOutcome{Supplier: name, Status: StatusFailure, Latency: latency, Err: msg}
}

func Timeout(name SupplierName, latency time.Duration) SupplierOutcome {
	return SupplierOutcome{Supplier: name, Status: StatusTimeout, Latency: latency, Err: "supplier timed out"}
}

func NotCalled(name SupplierName) SupplierOutcome {
	return SupplierOutcome{Supplier: name, Status: StatusNotCalled}
}

func (o SupplierOutcome) StatusTriple() SupplierStatus {
	return SupplierStatus{
		Status:    o.Status,
		LatencyMs: o.Latency.Milliseconds(),
		Error:     o.Err,
	}
}

type Constraints struct {
	Renajud bool `json:"renajud"`
	Recall  bool `json:"recall"`
}

func (c *Constraints) Any() bool {
	return c != nil && (c.Renajud || c.Recall)
}

type InfractionDetail struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

type Infractions struct {
	TotalAmount decimal.Decimal    `json:"totalAmount"`
	Details     []InfractionDetail `json:"details"`
}

// ConsolidatedAnalysis is the response unit and the value cached per idempotency key.
// Values are built once by NewConsolidatedAnalysis and never mutated afterwards.
type ConsolidatedAnalysis struct {
	VIN            string                          `json:"vin"`
	Constraints    *Constraints                    `json:"constraints,omitempty"`
	Infractions    *Infractions                    `json:"infractions,omitempty"`
	SupplierStatus map[SupplierName]SupplierStatus `json:"supplierStatus"`
}

// NewConsolidatedAnalysis copies its inputs so the result shares no memory with the caller.
func NewConsolidatedAnalysis(vin string, constraints *Constraints, infractions *Infractions, status map[SupplierName]SupplierStatus) ConsolidatedAnalysis {
	out := ConsolidatedAnalysis{
		VIN:            vin,
		SupplierStatus: make(map[SupplierName]SupplierStatus, len(status)),
	}
	if constraints != nil {
		c := *constraints
		out.Constraints = &c
	}
	if infractions != nil {
		inf := Infractions{TotalAmount: infractions.TotalAmount, Details: make([]InfractionDetail, len(infractions.Details))}
		copy(inf.Details, infractions.Details)
		out.Infractions = &inf
	}
	for k, v := range status {
		out.SupplierStatus[k] = v
	}
	return out
}

// F1Payload is the constraints source answer.
type F1Payload struct {
	VIN         string
	Constraints *Constraints
}

// F2Payload is the secondary constraints source answer.
type F2Payload struct {
	VIN          string
	Renajud      bool
	RecallDetail string
}

// F3Payload is the infractions source answer.
type F3Payload struct {
	VIN              string
	TotalInfractions int
	TotalAmount      decimal.Decimal
	Details          []InfractionDetail
}

// AuditRecord is written once per full pipeline run and published asynchronously.
type AuditRecord struct {
	ID                 string                          `json:"id"`
	Timestamp          time.Time                       `json:"timestamp"`
	InputType          IdentifierType                  `json:"inputType"`
	InputValue         string                          `json:"inputValue"`
	CanonicalVIN       string                          `json:"canonicalVin"`
	SupplierStatus     map[SupplierName]SupplierStatus `json:"supplierStatus"`
	HasConstraints     bool                            `json:"hasConstraints"`
	EstimatedCostCents int64                           `json:"estimatedCostCents"`
	TraceID            string                          `json:"traceId"`
}
