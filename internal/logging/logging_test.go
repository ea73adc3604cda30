package logging

import "testing"

func TestMasks(t *testing.T) {
	cases := []struct{ got, want string }{
		{MaskPlate("ABC1234"), "A**1**4"},
		{MaskPlate("ABC-1234"), "A**1**4"},
		{MaskPlate("AB1"), "***"},
		{MaskVIN("1HGBH41JXMN109186"), "1HG***********186"},
		{MaskVIN("short"), "***"},
		{MaskRegistration("12345678901"), "123****8901"},
		{MaskIdentifier(" abc1234 "), "A**1**4"},
		{MaskIdentifier("12345678901"), "123****8901"},
		{MaskIdentifier("9BWZZZ377VT004251"), "9BW***********251"},
		{MaskIdentifier("?"), "***"},
	}
	for i, c := range cases {
		if c.got != c.want {
			t.Fatalf("case %d: got %q want %q", i, c.got, c.want)
		}
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := New("loud", "json"); err == nil {
		t.Fatalf("expected level error")
	}
	log, err := New("debug", "console")
	if err != nil {
		t.Fatalf("console: %v", err)
	}
	_ = log.Sync()
}
