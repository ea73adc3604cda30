package vehiclechecksdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnalyzeReadsHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/analyze/ABC1234" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Idempotency-Key", r.Header.Get("Idempotency-Key"))
		w.Header().Set("Idempotent-Replayed", "true")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"vin":"9BWZZZ377VT004251","infractions":{"totalAmount":"325.23","details":[]},` +
			`"supplierStatus":{"F1":{"status":"SUCCESS","latencyMs":12},"F2":{"status":"NOT_CALLED","latencyMs":0},"F3":{"status":"SUCCESS","latencyMs":9}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/api/")
	res, err := c.Analyze(context.Background(), "ABC1234", "k-1")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Key != "k-1" || !res.Replayed {
		t.Fatalf("unexpected headers: %+v", res)
	}
	if res.Analysis.Constraints != nil || res.Analysis.Infractions.TotalAmount.String() != "325.23" {
		t.Fatalf("unexpected analysis: %+v", res.Analysis)
	}
	if res.Analysis.SupplierStatus["F2"].Status != "NOT_CALLED" {
		t.Fatalf("unexpected status: %+v", res.Analysis.SupplierStatus)
	}
}

func TestAPIErrorCarriesEnvelopeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"invalid_identifier","message":"bad"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Analyze(context.Background(), "nope", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "invalid_identifier" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestLogsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/logs" || r.URL.Query().Get("page") != "1" || r.URL.Query().Get("size") != "5" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		w.Write([]byte(`{"items":[{"id":"a","canonicalVin":"V","estimatedCostCents":50}],"page":1,"size":5,"total":6}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).Logs(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if page.Total != 6 || len(page.Items) != 1 || page.Items[0].EstimatedCostCents != 50 {
		t.Fatalf("unexpected page: %+v", page)
	}
}
