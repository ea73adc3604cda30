package supplier

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"vehiclecheck/internal/domain"
)

// F1Namespace is the target namespace of the constraints service.
const F1Namespace = "http://vehiclecheck.local/f1"

type soapEnvelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    soapBody `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
}

type soapBody struct {
	Request  *f1Request  `xml:",omitempty"`
	Response *f1Response `xml:"http://vehiclecheck.local/f1 GetVehicleDataResponse,omitempty"`
	Fault    *soapFault  `xml:"http://schemas.xmlsoap.org/soap/envelope/ Fault,omitempty"`
}

type f1Request struct {
	XMLName xml.Name `xml:"http://vehiclecheck.local/f1 GetVehicleDataRequest"`
	VIN     string   `xml:"http://vehiclecheck.local/f1 vin"`
}

type f1Response struct {
	VIN     string `xml:"vin"`
	Renajud bool   `xml:"renajud"`
	Recall  bool   `xml:"recall"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

// SOAPTransport calls the F1 constraints service.
type SOAPTransport struct {
	Endpoint   string
	HTTPClient *http.Client
}

func (t SOAPTransport) Fetch(ctx context.Context, vin string) (any, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(soapEnvelope{Body: soapBody{Request: &f1Request{VIN: vin}}}); err != nil {
		return nil, eris.Wrap(err, "encode soap request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, &buf)
	if err != nil {
		return nil, eris.Wrap(err, "build soap request")
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", F1Namespace+"/GetVehicleData")

	resp, err := httpClient(t.HTTPClient).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, eris.Wrap(err, "read soap response")
	}

	var env soapEnvelope
	decodeErr := xml.Unmarshal(body, &env)
	if decodeErr == nil && env.Body.Fault != nil {
		return nil, eris.Errorf("soap fault %s: %s", strings.TrimSpace(env.Body.Fault.Code), strings.TrimSpace(env.Body.Fault.String))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, eris.Errorf("f1 status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, eris.Wrap(decodeErr, "decode soap response")
	}
	if env.Body.Response == nil {
		return nil, eris.New("soap response without GetVehicleDataResponse")
	}
	r := env.Body.Response
	return domain.F1Payload{
		VIN:         strings.TrimSpace(r.VIN),
		Constraints: &domain.Constraints{Renajud: r.Renajud, Recall: r.Recall},
	}, nil
}

// WriteF1Response renders a SOAP response body; used by the mock supplier server.
func WriteF1Response(w io.Writer, vin string, renajud, recall bool) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(soapEnvelope{Body: soapBody{Response: &f1Response{VIN: vin, Renajud: renajud, Recall: recall}}})
}

// WriteF1Fault renders a SOAP fault.
func WriteF1Fault(w io.Writer, code, msg string) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(soapEnvelope{Body: soapBody{Fault: &soapFault{Code: code, String: msg}}})
}

// ParseF1Request extracts the VIN from a GetVehicleDataRequest envelope.
func ParseF1Request(r io.Reader) (string, error) {
	var env struct {
		Body struct {
			Request f1Request `xml:"http://vehiclecheck.local/f1 GetVehicleDataRequest"`
		} `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
	}
	if err := xml.NewDecoder(io.LimitReader(r, maxBody)).Decode(&env); err != nil {
		return "", eris.Wrap(err, "decode soap request")
	}
	vin := strings.TrimSpace(env.Body.Request.VIN)
	if vin == "" {
		return "", eris.New("soap request without vin")
	}
	return vin, nil
}
