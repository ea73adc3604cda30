package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"vehiclecheck/internal/domain"
	"vehiclecheck/internal/logging"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs each record as JSON; the partition key header carries the VIN.
type WebhookSink struct {
	URL     string
	Secret  string
	Headers map[string]string
	Client  *http.Client
}

func NewWebhookSink(url, secret string, headers map[string]string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{URL: url, Secret: secret, Headers: headers, Client: &http.Client{Timeout: timeout}}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Write(ctx context.Context, rec domain.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "marshal audit record")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return eris.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Partition-Key", rec.CanonicalVIN)
	req.Header.Set("X-Audit-Id", rec.ID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Audit-Secret", w.Secret)
	}
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "post %s", w.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return eris.Errorf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// LogSink writes records to the structured log.
type LogSink struct {
	Log *zap.Logger
}

func (l LogSink) Name() string { return "log" }

func (l LogSink) Write(_ context.Context, rec domain.AuditRecord) error {
	log := l.Log
	if log == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("id", rec.ID),
		zap.String("input_type", string(rec.InputType)),
		zap.String("input", logging.MaskIdentifier(rec.InputValue)),
		logging.VIN(rec.CanonicalVIN),
		zap.Bool("has_constraints", rec.HasConstraints),
		zap.Int64("estimated_cost_cents", rec.EstimatedCostCents),
		zap.String("trace_id", rec.TraceID),
	}
	for _, name := range domain.Suppliers {
		fields = append(fields, zap.String(strings.ToLower(string(name)), string(rec.SupplierStatus[name].Status)))
	}
	log.Info("audit: analysis", fields...)
	return nil
}
