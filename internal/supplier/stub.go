package supplier

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"vehiclecheck/internal/dataset"
	"vehiclecheck/internal/domain"
)

var ErrSimulatedFailure = errors.New("simulated supplier failure")

// Stub answers from the read-only dataset. Unknown VINs are reported as clean vehicles.
type Stub struct {
	Name         domain.SupplierName
	Dataset      *dataset.Dataset
	Latency      time.Duration
	FailureRatio float64
	// Rand returns a value in [0,1); defaults to math/rand/v2.
	Rand func() float64
}

func (s Stub) Fetch(ctx context.Context, vin string) (any, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if s.FailureRatio > 0 {
		roll := rand.Float64
		if s.Rand != nil {
			roll = s.Rand
		}
		if roll() < s.FailureRatio {
			return nil, ErrSimulatedFailure
		}
	}
	v, ok := s.Dataset.Lookup(vin)
	if !ok {
		v = dataset.Vehicle{VIN: vin}
	}
	return PayloadFor(s.Name, v)
}

// PayloadFor renders the supplier payload a vehicle yields.
func PayloadFor(name domain.SupplierName, v dataset.Vehicle) (any, error) {
	switch name {
	case domain.SupplierF1:
		return domain.F1Payload{VIN: v.VIN, Constraints: &domain.Constraints{Renajud: v.Renajud, Recall: v.Recall()}}, nil
	case domain.SupplierF2:
		return domain.F2Payload{VIN: v.VIN, Renajud: v.Renajud, RecallDetail: v.RecallDetail}, nil
	case domain.SupplierF3:
		details := make([]domain.InfractionDetail, len(v.Infractions))
		copy(details, v.Infractions)
		return domain.F3Payload{VIN: v.VIN, TotalInfractions: len(details), TotalAmount: v.InfractionTotal(), Details: details}, nil
	default:
		return nil, errors.New("unknown supplier " + string(name))
	}
}
