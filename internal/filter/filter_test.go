package filter

import (
	"strings"
	"testing"
)

func TestMatchesNumericComparisons(t *testing.T) {
	payload := map[string]any{"size": 1500}

	cases := []struct {
		expr string
		want bool
	}{
		{">1000", true},
		{">1500", false},
		{">=1500", true},
		{"<=1500", true},
		{"<1500", false},
		{"<2000", true},
	}
	for _, tc := range cases {
		got := Matches(payload, map[string]any{"size": tc.expr})
		if got != tc.want {
			t.Errorf("size %q: got %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestMatchesMissingFieldFails(t *testing.T) {
	if Matches(map[string]any{}, map[string]any{"extension": ".ts"}) {
		t.Fatalf("missing field should fail the match")
	}
	if Matches(nil, map[string]any{"extension": ".ts"}) {
		t.Fatalf("nil payload should fail the match")
	}
}

func TestMatchesStringForms(t *testing.T) {
	payload := map[string]any{
		"extension": ".ts",
		"filename":  "main_test.go",
		"status":    "completed",
	}

	if !Matches(payload, map[string]any{"extension": ".ts"}) {
		t.Errorf("exact equality failed")
	}
	if !Matches(payload, map[string]any{"status": "!failed"}) {
		t.Errorf("negation failed")
	}
	if Matches(payload, map[string]any{"status": "!completed"}) {
		t.Errorf("negation matched equal value")
	}
	if !Matches(payload, map[string]any{"filename": "*_test.go"}) {
		t.Errorf("glob failed")
	}
	if Matches(payload, map[string]any{"filename": "*.ts"}) {
		t.Errorf("glob matched wrong suffix")
	}
}

func TestMatchesBoolAndNumberValues(t *testing.T) {
	payload := map[string]any{"partial": true, "exitCode": 0}

	if !Matches(payload, map[string]any{"partial": true}) {
		t.Errorf("bool equality failed")
	}
	if Matches(payload, map[string]any{"partial": false}) {
		t.Errorf("bool inequality matched")
	}
	if !Matches(payload, map[string]any{"exitCode": 0}) {
		t.Errorf("number equality failed")
	}
	if Matches(payload, map[string]any{"exitCode": 1}) {
		t.Errorf("number inequality matched")
	}
}

func TestMatchesDotNotation(t *testing.T) {
	payload := map[string]any{
		"file": map[string]any{"meta": map[string]any{"size": 42}},
	}

	if !Matches(payload, map[string]any{"file.meta.size": ">40"}) {
		t.Errorf("nested lookup failed")
	}
	if Matches(payload, map[string]any{"file.meta.missing": ">40"}) {
		t.Errorf("unresolved path should fail")
	}
	if Matches(payload, map[string]any{"file.meta.size.deeper": "x"}) {
		t.Errorf("path through a scalar should fail")
	}
}

func TestMatchesAllEntriesAnded(t *testing.T) {
	payload := map[string]any{"size": 1500, "ext": ".go"}
	if !Matches(payload, map[string]any{"size": ">1000", "ext": ".go"}) {
		t.Errorf("both entries should match")
	}
	if Matches(payload, map[string]any{"size": ">1000", "ext": ".ts"}) {
		t.Errorf("one failing entry should fail the match")
	}
}

func TestMatchesCoercesPayloadStringsToNumbers(t *testing.T) {
	if !Matches(map[string]any{"size": "1500"}, map[string]any{"size": ">1000"}) {
		t.Errorf("string payload value should coerce for numeric comparison")
	}
}

func TestGlob(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "main.go.bak", false},
		{"src/*", "src/deep/file.ts", true},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "aXcYb", false},
		{"*", "", true},
		{"exact", "exact", true},
	}
	for _, tc := range cases {
		if got := Glob(tc.pattern, tc.s); got != tc.want {
			t.Errorf("Glob(%q, %q) = %v, want %v", tc.pattern, tc.s, got, tc.want)
		}
	}
}

func TestDescribe(t *testing.T) {
	desc := Describe(map[string]any{
		"size":     ">=1000",
		"ext":      "*.go",
		"status":   "!failed",
		"reconciled": true,
	})
	for _, want := range []string{"size >= 1000", `ext matches "*.go"`, `status != "failed"`, "reconciled == true", " AND "} {
		if !strings.Contains(desc, want) {
			t.Errorf("describe %q missing %q", desc, want)
		}
	}
	if Describe(nil) != "(no filter)" {
		t.Errorf("empty filter description")
	}
}
