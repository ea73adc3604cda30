package identifier

import (
	"context"
	"errors"
	"testing"

	"vehiclecheck/internal/dataset"
	"vehiclecheck/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := map[string]domain.IdentifierType{
		"ABC1234":           domain.IdentifierPlate,
		" abc1d23 ":         domain.IdentifierPlate,
		"ABC-1234":          domain.IdentifierPlate,
		"12345678901":       domain.IdentifierRegistration,
		"9BWZZZ377VT004251": domain.IdentifierVIN,
		"9bwzzz377vt004251": domain.IdentifierVIN,
		"9BWZZZ377VT00425O": domain.IdentifierInvalid,
		"1234567890":        domain.IdentifierInvalid,
		"AB1234":            domain.IdentifierInvalid,
		"":                  domain.IdentifierInvalid,
		"hello world":       domain.IdentifierInvalid,
	}
	for in, want := range cases {
		if got := Classify(in); got != want {
			t.Fatalf("classify %q: got %s want %s", in, got, want)
		}
	}
}

func TestToCanonicalVIN(t *testing.T) {
	c := NewClassifier(nil)
	ctx := context.Background()

	_, vin, err := c.Normalize(ctx, " 9bwzzz377vt004251 ")
	if err != nil || vin != "9BWZZZ377VT004251" {
		t.Fatalf("vin: %q %v", vin, err)
	}
	_, vin, err = c.Normalize(ctx, "abc-1234")
	if err != nil || vin != DefaultStubPrefix+"ABC1234" {
		t.Fatalf("plate stub: %q %v", vin, err)
	}
	_, _, err = c.Normalize(ctx, "nope")
	if !errors.Is(err, domain.ErrInvalidIdentifier) {
		t.Fatalf("expected invalid identifier, got %v", err)
	}
}

func TestDatasetResolver(t *testing.T) {
	ds, err := dataset.Default()
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	c := NewClassifier(DatasetResolver{Dataset: ds, Fallback: PrefixResolver{Prefix: "X-"}})
	ctx := context.Background()

	_, vin, err := c.Normalize(ctx, "12345678901")
	if err != nil || vin != "9BWZZZ377VT004251" {
		t.Fatalf("registration: %q %v", vin, err)
	}
	_, vin, err = c.Normalize(ctx, "ZZZ9999")
	if err != nil || vin != "X-ZZZ9999" {
		t.Fatalf("fallback: %q %v", vin, err)
	}
}

type failingResolver struct{}

func (failingResolver) ResolveToVIN(context.Context, string, domain.IdentifierType) (string, error) {
	return "", errors.New("table service down")
}

func TestResolverFailureIsNormalizationError(t *testing.T) {
	c := NewClassifier(failingResolver{})
	_, _, err := c.Normalize(context.Background(), "ABC1234")
	if !errors.Is(err, domain.ErrNormalization) {
		t.Fatalf("expected normalization error, got %v", err)
	}
	if errors.Is(err, domain.ErrInvalidIdentifier) {
		t.Fatalf("normalization failure must not look like invalid input")
	}
}
