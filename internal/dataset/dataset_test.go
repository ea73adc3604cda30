package dataset

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultFleet(t *testing.T) {
	ds, err := Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	stats := ds.Stats()
	if stats.Total != 34 || stats.WithRenajud != 5 || stats.WithRecall != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	all := ds.All()
	for i := 1; i < len(all); i++ {
		if all[i-1].Plate > all[i].Plate {
			t.Fatalf("not sorted at %d: %s > %s", i, all[i-1].Plate, all[i].Plate)
		}
	}
}

func TestLookupByAnyIdentifier(t *testing.T) {
	ds, err := Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	for _, id := range []string{"ABC1234", " abc1234 ", "12345678901", "9bwzzz377vt004251"} {
		v, ok := ds.Lookup(id)
		if !ok {
			t.Fatalf("lookup %q: not found", id)
		}
		if v.VIN != "9BWZZZ377VT004251" || v.Model != "Gol" {
			t.Fatalf("lookup %q: got %+v", id, v)
		}
	}
	v, _ := ds.Lookup("ABC1234")
	if v.InfractionTotal().String() != "325.23" || len(v.Infractions) != 2 {
		t.Fatalf("unexpected infractions: %s %d", v.InfractionTotal(), len(v.Infractions))
	}
	if _, ok := ds.Lookup("ZZZ0000"); ok {
		t.Fatalf("expected miss")
	}
	both, _ := ds.Lookup("EFG5678")
	if !both.Renajud || !both.Recall() {
		t.Fatalf("expected both constraints: %+v", both)
	}
}

func TestFromFileRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yml")
	body := `vehicles:
  - plate: AAA1111
    vin: 9BWZZZ377VT004251
  - plate: AAA1111
    vin: 9BWCA05U8EP047326
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestFromYAMLRejectsBadAmount(t *testing.T) {
	body := `vehicles:
  - plate: AAA1111
    vin: 9BWZZZ377VT004251
    infractions:
      - description: x
        amount: "abc"
`
	if _, err := FromYAML([]byte(body)); err == nil {
		t.Fatalf("expected amount error")
	}
}
