package vehiclechecksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a minimal Vehicle Check HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Constraints struct {
	Renajud bool `json:"renajud"`
	Recall  bool `json:"recall"`
}

type InfractionDetail struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

type Infractions struct {
	TotalAmount decimal.Decimal    `json:"totalAmount"`
	Details     []InfractionDetail `json:"details"`
}

type SupplierStatus struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Analysis is the consolidated answer for one vehicle. Constraints and
// Infractions are nil when the supplier that provides them did not succeed.
type Analysis struct {
	VIN            string                    `json:"vin"`
	Constraints    *Constraints              `json:"constraints,omitempty"`
	Infractions    *Infractions              `json:"infractions,omitempty"`
	SupplierStatus map[string]SupplierStatus `json:"supplierStatus"`
}

// AnalyzeResult carries the analysis with the idempotency headers.
type AnalyzeResult struct {
	Analysis Analysis
	Key      string
	Replayed bool
}

// AuditRecord represents one audit log entry.
type AuditRecord struct {
	ID                 string                    `json:"id"`
	Timestamp          time.Time                 `json:"timestamp"`
	InputType          string                    `json:"inputType"`
	InputValue         string                    `json:"inputValue"`
	CanonicalVIN       string                    `json:"canonicalVin"`
	SupplierStatus     map[string]SupplierStatus `json:"supplierStatus"`
	HasConstraints     bool                      `json:"hasConstraints"`
	EstimatedCostCents int64                     `json:"estimatedCostCents"`
	TraceID            string                    `json:"traceId"`
}

// LogPage wraps paginated audit listings.
type LogPage struct {
	Items []AuditRecord `json:"items"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
	Total int64         `json:"total"`
}

type LogStats struct {
	TotalLogs       int64     `json:"totalLogs"`
	TotalCostCents  int64     `json:"totalCostCents"`
	WithConstraints int64     `json:"withConstraints"`
	Timestamp       time.Time `json:"timestamp"`
}

type SupplierState struct {
	Supplier string `json:"supplier"`
	State    string `json:"state"`
}

// APIError wraps non-2xx responses. Code is the envelope code when the body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Analyze requests the consolidated analysis. An empty key lets the server derive one.
func (c *Client) Analyze(ctx context.Context, identifier, idempotencyKey string) (AnalyzeResult, error) {
	var out AnalyzeResult
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	h, err := c.do(ctx, http.MethodGet, "analyze/"+url.PathEscape(identifier), headers, &out.Analysis)
	if err != nil {
		return out, err
	}
	out.Key = h.Get("Idempotency-Key")
	out.Replayed = h.Get("Idempotent-Replayed") == "true"
	return out, nil
}

// Logs returns one zero-based page of audit records, newest first.
func (c *Client) Logs(ctx context.Context, page, size int) (LogPage, error) {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	if size > 0 {
		q.Set("size", fmt.Sprint(size))
	}
	var resp LogPage
	_, err := c.do(ctx, http.MethodGet, "logs?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) Log(ctx context.Context, id string) (AuditRecord, error) {
	var resp AuditRecord
	_, err := c.do(ctx, http.MethodGet, "logs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) LatestLog(ctx context.Context) (AuditRecord, error) {
	var resp AuditRecord
	_, err := c.do(ctx, http.MethodGet, "logs/latest", nil, &resp)
	return resp, err
}

func (c *Client) LogStats(ctx context.Context) (LogStats, error) {
	var resp LogStats
	_, err := c.do(ctx, http.MethodGet, "logs/stats", nil, &resp)
	return resp, err
}

// SupplierStates returns the circuit state of each supplier.
func (c *Client) SupplierStates(ctx context.Context) ([]SupplierState, error) {
	var resp []SupplierState
	_, err := c.do(ctx, http.MethodGet, "suppliers/status", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, out any) (http.Header, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.NewDecoder(bytes.NewReader(b)).Decode(&env) == nil {
			apiErr.Code = env.Error.Code
		}
		return resp.Header, apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.Header, err
		}
	}
	return resp.Header, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
