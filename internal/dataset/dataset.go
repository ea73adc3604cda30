package dataset

import (
	_ "embed"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"vehiclecheck/internal/domain"
)

//go:embed vehicles.yml
var defaultFleet []byte

// Vehicle is one entry of the read-only fleet the stub suppliers answer from.
type Vehicle struct {
	Plate        string                    `json:"plate"`
	Registration string                    `json:"registration"`
	VIN          string                    `json:"vin"`
	Make         string                    `json:"make"`
	Model        string                    `json:"model"`
	Year         int                       `json:"year"`
	Renajud      bool                      `json:"renajud"`
	RecallDetail string                    `json:"recallDetail,omitempty"`
	Infractions  []domain.InfractionDetail `json:"infractions,omitempty"`
}

func (v Vehicle) Recall() bool {
	return strings.TrimSpace(v.RecallDetail) != ""
}

func (v Vehicle) InfractionTotal() decimal.Decimal {
	total := decimal.Zero
	for _, d := range v.Infractions {
		total = total.Add(d.Amount)
	}
	return total
}

type Stats struct {
	Total       int `json:"total"`
	WithRenajud int `json:"withRenajud"`
	WithRecall  int `json:"withRecall"`
}

// Dataset indexes vehicles by plate, registration and VIN. It is immutable after Load.
type Dataset struct {
	vehicles []Vehicle
	index    map[string]int
}

type fileFormat struct {
	Vehicles []struct {
		Plate        string `yaml:"plate"`
		Registration string `yaml:"registration"`
		VIN          string `yaml:"vin"`
		Make         string `yaml:"make"`
		Model        string `yaml:"model"`
		Year         int    `yaml:"year"`
		Renajud      bool   `yaml:"renajud"`
		RecallDetail string `yaml:"recall_detail"`
		Infractions  []struct {
			Description string `yaml:"description"`
			Amount      string `yaml:"amount"`
		} `yaml:"infractions"`
	} `yaml:"vehicles"`
}

// Default returns the embedded demonstration fleet.
func Default() (*Dataset, error) {
	return FromYAML(defaultFleet)
}

func FromFile(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read dataset %s", path)
	}
	return FromYAML(data)
}

// Load reads path when set, otherwise the embedded fleet.
func Load(path string) (*Dataset, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	return FromFile(path)
}

func FromYAML(data []byte) (*Dataset, error) {
	var raw fileFormat
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "parse dataset")
	}
	ds := &Dataset{index: map[string]int{}}
	for i, rv := range raw.Vehicles {
		v := Vehicle{
			Plate:        normalize(rv.Plate),
			Registration: strings.TrimSpace(rv.Registration),
			VIN:          normalize(rv.VIN),
			Make:         rv.Make,
			Model:        rv.Model,
			Year:         rv.Year,
			Renajud:      rv.Renajud,
			RecallDetail: strings.TrimSpace(rv.RecallDetail),
		}
		if v.VIN == "" {
			return nil, eris.Errorf("vehicle %d: vin is required", i)
		}
		for _, ri := range rv.Infractions {
			amount, err := decimal.NewFromString(strings.TrimSpace(ri.Amount))
			if err != nil {
				return nil, eris.Wrapf(err, "vehicle %s: infraction amount %q", v.VIN, ri.Amount)
			}
			v.Infractions = append(v.Infractions, domain.InfractionDetail{Description: ri.Description, Amount: amount})
		}
		pos := len(ds.vehicles)
		ds.vehicles = append(ds.vehicles, v)
		for _, key := range []string{v.Plate, v.Registration, v.VIN} {
			if key == "" {
				continue
			}
			if prev, ok := ds.index[key]; ok && prev != pos {
				return nil, eris.Errorf("duplicate identifier %s", key)
			}
			ds.index[key] = pos
		}
	}
	return ds, nil
}

// Lookup finds a vehicle by any of its identifiers, case-insensitively.
func (d *Dataset) Lookup(id string) (Vehicle, bool) {
	if d == nil {
		return Vehicle{}, false
	}
	pos, ok := d.index[normalize(id)]
	if !ok {
		return Vehicle{}, false
	}
	return d.vehicles[pos], true
}

// All returns a copy of the fleet sorted by plate.
func (d *Dataset) All() []Vehicle {
	if d == nil {
		return nil
	}
	out := make([]Vehicle, len(d.vehicles))
	copy(out, d.vehicles)
	sort.Slice(out, func(i, j int) bool { return out[i].Plate < out[j].Plate })
	return out
}

func (d *Dataset) Stats() Stats {
	var s Stats
	if d == nil {
		return s
	}
	for _, v := range d.vehicles {
		s.Total++
		if v.Renajud {
			s.WithRenajud++
		}
		if v.Recall() {
			s.WithRecall++
		}
	}
	return s
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
