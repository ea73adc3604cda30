package supplier

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/kaptinlin/jsonschema"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"vehiclecheck/internal/domain"
)

const maxBody = 1 << 20

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	f2Schema = mustSchema("schemas/f2.json")
	f3Schema = mustSchema("schemas/f3.json")
)

func mustSchema(name string) *jsonschema.Schema {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		panic(err)
	}
	schema, err := jsonschema.NewCompiler().Compile(data)
	if err != nil {
		panic(fmt.Sprintf("compile %s: %v", name, err))
	}
	return schema
}

func validate(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return eris.Errorf("schema validation failed: %v", result.Errors)
}

func httpClient(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}

// F2Response is the wire shape of the secondary constraints service.
type F2Response struct {
	VIN           string `json:"vin"`
	RenajudStatus string `json:"renajudStatus"`
	RecallDetail  string `json:"recallDetail,omitempty"`
}

// F3Response is the wire shape of the infractions service.
type F3Response struct {
	TotalInfractions int                       `json:"totalInfractions"`
	TotalAmount      decimal.Decimal           `json:"totalAmount"`
	Details          []domain.InfractionDetail `json:"details"`
}

// RenajudActive is the F2 status value that flags a judicial restriction.
const RenajudActive = "ACTIVE"

type F2Transport struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (t F2Transport) Fetch(ctx context.Context, vin string) (any, error) {
	body, err := getJSON(ctx, httpClient(t.HTTPClient), t.BaseURL, "vehicle/"+url.PathEscape(vin))
	if err != nil {
		return nil, err
	}
	if err := validate(f2Schema, body); err != nil {
		return nil, err
	}
	var resp F2Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "decode f2 response")
	}
	return domain.F2Payload{
		VIN:          resp.VIN,
		Renajud:      strings.EqualFold(strings.TrimSpace(resp.RenajudStatus), RenajudActive),
		RecallDetail: resp.RecallDetail,
	}, nil
}

type F3Transport struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (t F3Transport) Fetch(ctx context.Context, vin string) (any, error) {
	body, err := getJSON(ctx, httpClient(t.HTTPClient), t.BaseURL, "infractions/"+url.PathEscape(vin))
	if err != nil {
		return nil, err
	}
	if err := validate(f3Schema, body); err != nil {
		return nil, err
	}
	var resp F3Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "decode f3 response")
	}
	return domain.F3Payload{
		VIN:              vin,
		TotalInfractions: resp.TotalInfractions,
		TotalAmount:      resp.TotalAmount,
		Details:          resp.Details,
	}, nil
}

func getJSON(ctx context.Context, client *http.Client, base, path string) ([]byte, error) {
	endpoint := strings.TrimRight(base, "/") + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, eris.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, eris.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
