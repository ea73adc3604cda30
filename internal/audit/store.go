package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"vehiclecheck/internal/domain"
)

// Store is the sqlite sink and the read side of the analysis_log table.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) Name() string { return "sqlite" }

func (s Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s Store) Write(ctx context.Context, rec domain.AuditRecord) error {
	status, err := json.Marshal(rec.SupplierStatus)
	if err != nil {
		return eris.Wrap(err, "marshal supplier status")
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO analysis_log(id,ts,input_type,input_value,canonical_vin,supplier_status_json,has_constraints,estimated_cost_cents,trace_id)
		VALUES (?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Timestamp.UTC().Format(time.RFC3339Nano), string(rec.InputType), rec.InputValue,
		rec.CanonicalVIN, string(status), boolInt(rec.HasConstraints), rec.EstimatedCostCents, rec.TraceID)
	if err != nil {
		return eris.Wrap(err, "insert analysis_log")
	}
	return nil
}

type Filter struct {
	VIN string
}

type Page struct {
	Items []domain.AuditRecord `json:"items"`
	Page  int                  `json:"page"`
	Size  int                  `json:"size"`
	Total int64                `json:"total"`
}

type Stats struct {
	TotalLogs       int64     `json:"totalLogs"`
	TotalCostCents  int64     `json:"totalCostCents"`
	WithConstraints int64     `json:"withConstraints"`
	Timestamp       time.Time `json:"timestamp"`
}

const selectColumns = `id,ts,input_type,input_value,canonical_vin,supplier_status_json,has_constraints,estimated_cost_cents,trace_id`

// List returns records newest first; page is zero-based.
func (s Store) List(ctx context.Context, f Filter, page, size int) (Page, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = 20
	}
	if size > 200 {
		size = 200
	}
	clauses := []string{"1=1"}
	var args []any
	if v := strings.ToUpper(strings.TrimSpace(f.VIN)); v != "" {
		clauses = append(clauses, "canonical_vin=?")
		args = append(args, v)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")

	out := Page{Page: page, Size: size, Items: []domain.AuditRecord{}}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_log `+where, args...).Scan(&out.Total); err != nil {
		return Page{}, eris.Wrap(err, "count analysis_log")
	}
	query := fmt.Sprintf(`SELECT %s FROM analysis_log %s ORDER BY seq DESC LIMIT ? OFFSET ?`, selectColumns, where)
	rows, err := s.DB.QueryContext(ctx, query, append(args, size, page*size)...)
	if err != nil {
		return Page{}, eris.Wrap(err, "list analysis_log")
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return Page{}, err
		}
		out.Items = append(out.Items, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, eris.Wrap(err, "iterate analysis_log")
	}
	return out, nil
}

func (s Store) Get(ctx context.Context, id string) (domain.AuditRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM analysis_log WHERE id=?`, id)
	return scanRecord(row)
}

func (s Store) Latest(ctx context.Context) (domain.AuditRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM analysis_log ORDER BY seq DESC LIMIT 1`)
	return scanRecord(row)
}

func (s Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Timestamp: s.now().UTC()}
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(estimated_cost_cents),0), COALESCE(SUM(has_constraints),0) FROM analysis_log`).
		Scan(&st.TotalLogs, &st.TotalCostCents, &st.WithConstraints)
	if err != nil {
		return Stats{}, eris.Wrap(err, "analysis_log stats")
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var ts, inputType, status string
	var hasConstraints int
	err := row.Scan(&rec.ID, &ts, &inputType, &rec.InputValue, &rec.CanonicalVIN, &status, &hasConstraints, &rec.EstimatedCostCents, &rec.TraceID)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, domain.ErrNotFound
	}
	if err != nil {
		return rec, eris.Wrap(err, "scan analysis_log")
	}
	rec.InputType = domain.IdentifierType(inputType)
	rec.HasConstraints = hasConstraints != 0
	if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return rec, eris.Wrapf(err, "parse ts %q", ts)
	}
	if err := json.Unmarshal([]byte(status), &rec.SupplierStatus); err != nil {
		return rec, eris.Wrap(err, "decode supplier status")
	}
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
