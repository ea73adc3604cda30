// Package merge folds supplier outcomes into a ConsolidatedAnalysis.
package merge

import (
	"strings"

	"vehiclecheck/internal/domain"
)

// Outcomes carries one outcome per supplier. A zero-value entry is treated as NOT_CALLED.
type Outcomes struct {
	F1 domain.SupplierOutcome
	F2 domain.SupplierOutcome
	F3 domain.SupplierOutcome
}

// Merge applies F1, then F2, then F3. Only SUCCESS outcomes contribute fields,
// but every supplier is recorded in SupplierStatus.
func Merge(vin string, o Outcomes) domain.ConsolidatedAnalysis {
	var constraints *domain.Constraints
	var infractions *domain.Infractions

	if p, ok := payload[domain.F1Payload](o.F1); ok && p.Constraints != nil {
		c := *p.Constraints
		constraints = &c
	}
	if p, ok := payload[domain.F2Payload](o.F2); ok {
		constraints = applyF2(constraints, p)
	}
	if p, ok := payload[domain.F3Payload](o.F3); ok {
		details := make([]domain.InfractionDetail, len(p.Details))
		copy(details, p.Details)
		infractions = &domain.Infractions{TotalAmount: p.TotalAmount, Details: details}
	}

	status := map[domain.SupplierName]domain.SupplierStatus{
		domain.SupplierF1: statusOf(domain.SupplierF1, o.F1),
		domain.SupplierF2: statusOf(domain.SupplierF2, o.F2),
		domain.SupplierF3: statusOf(domain.SupplierF3, o.F3),
	}
	return domain.NewConsolidatedAnalysis(vin, constraints, infractions, status)
}

// applyF2 ORs F2's flags into existing constraints; absent constraints count as both false.
func applyF2(existing *domain.Constraints, p domain.F2Payload) *domain.Constraints {
	out := domain.Constraints{}
	if existing != nil {
		out = *existing
	}
	out.Renajud = out.Renajud || p.Renajud
	out.Recall = out.Recall || strings.TrimSpace(p.RecallDetail) != ""
	return &out
}

func payload[T any](o domain.SupplierOutcome) (T, bool) {
	var zero T
	if o.Status != domain.StatusSuccess {
		return zero, false
	}
	switch p := o.Payload.(type) {
	case T:
		return p, true
	case *T:
		if p != nil {
			return *p, true
		}
	}
	return zero, false
}

func statusOf(name domain.SupplierName, o domain.SupplierOutcome) domain.SupplierStatus {
	if o.Status == "" {
		return domain.NotCalled(name).StatusTriple()
	}
	return o.StatusTriple()
}

// CostTable maps each supplier to its flat cost in cents.
type CostTable map[domain.SupplierName]int64

func DefaultCosts() CostTable {
	return CostTable{domain.SupplierF1: 10, domain.SupplierF2: 25, domain.SupplierF3: 15}
}

// EstimateCents sums the cost of every supplier whose status is SUCCESS.
func (c CostTable) EstimateCents(status map[domain.SupplierName]domain.SupplierStatus) int64 {
	var total int64
	for name, st := range status {
		if st.Status == domain.StatusSuccess {
			total += c[name]
		}
	}
	return total
}
