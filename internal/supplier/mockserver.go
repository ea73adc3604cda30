package supplier

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vehiclecheck/internal/dataset"
	"vehiclecheck/internal/domain"
	"vehiclecheck/internal/logging"
)

// MockOptions tunes the simulated supplier behaviour per supplier.
type MockOptions struct {
	Latency      map[domain.SupplierName]time.Duration
	FailureRatio map[domain.SupplierName]float64
	Log          *zap.Logger
}

// MockRoutes serves the three supplier wire protocols from the dataset:
//
//	POST /f1/soap
//	GET  /f2/vehicle/{vin}
//	GET  /f3/infractions/{vin}
func MockRoutes(ds *dataset.Dataset, opts MockOptions) http.Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	stub := func(name domain.SupplierName) Stub {
		return Stub{Name: name, Dataset: ds, Latency: opts.Latency[name], FailureRatio: opts.FailureRatio[name]}
	}
	r := chi.NewRouter()

	r.Post("/f1/soap", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		vin, err := ParseF1Request(req.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = WriteF1Fault(w, "soap:Client", err.Error())
			return
		}
		out, err := stub(domain.SupplierF1).Fetch(req.Context(), vin)
		if err != nil {
			log.Debug("mock: f1 failure", logging.VIN(vin), zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			_ = WriteF1Fault(w, "soap:Server", err.Error())
			return
		}
		p := out.(domain.F1Payload)
		_ = WriteF1Response(w, p.VIN, p.Constraints.Renajud, p.Constraints.Recall)
	})

	r.Get("/f2/vehicle/{vin}", func(w http.ResponseWriter, req *http.Request) {
		vin := chi.URLParam(req, "vin")
		out, err := stub(domain.SupplierF2).Fetch(req.Context(), vin)
		if err != nil {
			writeMockError(w, err)
			return
		}
		p := out.(domain.F2Payload)
		status := "INACTIVE"
		if p.Renajud {
			status = RenajudActive
		}
		writeMockJSON(w, F2Response{VIN: p.VIN, RenajudStatus: status, RecallDetail: p.RecallDetail})
	})

	r.Get("/f3/infractions/{vin}", func(w http.ResponseWriter, req *http.Request) {
		vin := chi.URLParam(req, "vin")
		out, err := stub(domain.SupplierF3).Fetch(req.Context(), vin)
		if err != nil {
			writeMockError(w, err)
			return
		}
		p := out.(domain.F3Payload)
		writeMockJSON(w, F3Response{TotalInfractions: p.TotalInfractions, TotalAmount: p.TotalAmount, Details: p.Details})
	})
	return r
}

func writeMockJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeMockError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
