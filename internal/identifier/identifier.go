package identifier

import (
	"context"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"vehiclecheck/internal/dataset"
	"vehiclecheck/internal/domain"
)

var (
	vinPattern          = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)
	platePattern        = regexp.MustCompile(`^[A-Z]{3}-?[0-9][A-Z0-9][0-9]{2}$`)
	registrationPattern = regexp.MustCompile(`^[0-9]{11}$`)
)

// DefaultStubPrefix is prepended by PrefixResolver when no cross-reference table is available.
const DefaultStubPrefix = "VIN-OF-"

// Canonical upper-cases and trims raw input. Plate hyphens are dropped.
func Canonical(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if platePattern.MatchString(s) {
		s = strings.Replace(s, "-", "", 1)
	}
	return s
}

// Classify is a pure pattern match. VIN is checked before plate and registration.
func Classify(raw string) domain.IdentifierType {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case vinPattern.MatchString(s):
		return domain.IdentifierVIN
	case platePattern.MatchString(s):
		return domain.IdentifierPlate
	case registrationPattern.MatchString(s):
		return domain.IdentifierRegistration
	default:
		return domain.IdentifierInvalid
	}
}

// CrossReference maps a plate or registration number to a VIN.
type CrossReference interface {
	ResolveToVIN(ctx context.Context, id string, typ domain.IdentifierType) (string, error)
}

// PrefixResolver is the table-less stub: it returns Prefix followed by the input.
type PrefixResolver struct {
	Prefix string
}

func (p PrefixResolver) ResolveToVIN(_ context.Context, id string, _ domain.IdentifierType) (string, error) {
	prefix := p.Prefix
	if prefix == "" {
		prefix = DefaultStubPrefix
	}
	return prefix + id, nil
}

// DatasetResolver answers from the vehicle dataset and falls back to Fallback for unknown ids.
type DatasetResolver struct {
	Dataset  *dataset.Dataset
	Fallback CrossReference
}

func (r DatasetResolver) ResolveToVIN(ctx context.Context, id string, typ domain.IdentifierType) (string, error) {
	if v, ok := r.Dataset.Lookup(id); ok {
		return v.VIN, nil
	}
	if r.Fallback == nil {
		return "", eris.Wrapf(domain.ErrNotFound, "no vehicle for %s %s", typ, id)
	}
	return r.Fallback.ResolveToVIN(ctx, id, typ)
}

type Classifier struct {
	Resolver CrossReference
}

func NewClassifier(resolver CrossReference) *Classifier {
	if resolver == nil {
		resolver = PrefixResolver{}
	}
	return &Classifier{Resolver: resolver}
}

// Identify classifies raw input without resolving it.
func (c *Classifier) Identify(raw string) domain.VehicleIdentifier {
	return domain.VehicleIdentifier{Raw: raw, Type: Classify(raw)}
}

// ToCanonicalVIN returns the VIN for an already classified identifier.
// Resolver errors are wrapped with domain.ErrNormalization and are not retried.
func (c *Classifier) ToCanonicalVIN(ctx context.Context, id domain.VehicleIdentifier) (string, error) {
	canonical := Canonical(id.Raw)
	switch id.Type {
	case domain.IdentifierVIN:
		return canonical, nil
	case domain.IdentifierPlate, domain.IdentifierRegistration:
		vin, err := c.Resolver.ResolveToVIN(ctx, canonical, id.Type)
		if err != nil {
			return "", eris.Wrapf(domain.ErrNormalization, "resolve %s: %v", id.Type, err)
		}
		return vin, nil
	default:
		return "", eris.Wrapf(domain.ErrInvalidIdentifier, "cannot normalize %q", id.Raw)
	}
}

// Normalize classifies raw and resolves it to a VIN.
func (c *Classifier) Normalize(ctx context.Context, raw string) (domain.VehicleIdentifier, string, error) {
	id := c.Identify(raw)
	vin, err := c.ToCanonicalVIN(ctx, id)
	return id, vin, err
}
