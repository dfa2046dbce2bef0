package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in   string
		want Format
		ok   bool
	}{
		{"", FormatTable, true},
		{"table", FormatTable, true},
		{"JSON", FormatJSON, true},
		{"yml", FormatYAML, true},
		{"  yaml ", FormatYAML, true},
		{"csv", "", false},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ParseFormat(%q): unexpected error %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParseFormat(%q): expected error", tc.in)
		}
		if got != tc.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPrintTable(t *testing.T) {
	rows := &Rows{Header: []string{"ID", "Status"}}
	rows.Add("dev-1", "online")
	rows.Add("dev-2", "offline")

	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatTable, false)
	if err := p.Print(rows); err != nil {
		t.Fatalf("Print: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"ID", "STATUS", "dev-1", "online", "dev-2"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatJSON, false)
	if err := p.Print(map[string]int{"sessions": 3}); err != nil {
		t.Fatalf("Print: %v", err)
	}

	var decoded map[string]int
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded["sessions"] != 3 {
		t.Errorf("got %v", decoded)
	}
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatYAML, false)
	if err := p.Print(map[string]string{"device": "dev-1"}); err != nil {
		t.Fatalf("Print: %v", err)
	}
	if !strings.Contains(buf.String(), "device: dev-1") {
		t.Errorf("unexpected YAML output: %s", buf.String())
	}
}

func TestTableFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatTable, false)
	if err := p.Print(map[string]string{"a": "b"}); err != nil {
		t.Fatalf("Print: %v", err)
	}
	if !strings.Contains(buf.String(), `"a": "b"`) {
		t.Errorf("expected JSON fallback, got: %s", buf.String())
	}
}

func TestColorToggle(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, FormatTable, true).Success("ok")
	if !strings.Contains(buf.String(), "\033[32m") {
		t.Error("expected ANSI color with color enabled")
	}

	buf.Reset()
	NewPrinter(&buf, FormatTable, false).Success("ok")
	if strings.Contains(buf.String(), "\033[") {
		t.Error("expected no ANSI escapes with color disabled")
	}
}
