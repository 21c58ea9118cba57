package bruscript

import (
	"encoding/json"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteReportJSON(t *testing.T) {
	tmp := t.TempDir()
	out := tmp + "/report.json"

	sum := RunSummary{
		Cases: []CaseResult{
			{Name: "ok", FilePath: "a.bru", Passed: true, Duration: 1500 * time.Millisecond},
			{Name: "fail", FilePath: "b.bru", Passed: false, Failures: []AssertionFailure{{Message: "boom"}}, Duration: 500 * time.Millisecond},
		},
		Total:        2,
		Passed:       1,
		Failed:       1,
		Skipped:      0,
		TotalElapsed: 2 * time.Second,
	}

	if err := WriteReportJSON(out, sum); err != nil {
		t.Fatalf("write json: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	defer f.Close()

	var decoded RunSummary
	if err := json.NewDecoder(f).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Failed != 1 || len(decoded.Cases) != 2 {
		t.Fatalf("unexpected decoded summary %+v", decoded)
	}
}

func TestWriteReportJUnit(t *testing.T) {
	tmp := t.TempDir()
	out := tmp + "/report.xml"

	sum := RunSummary{
		Cases: []CaseResult{
			{Name: "ok", FilePath: "a.bru", Passed: true, Duration: 1200 * time.Millisecond},
			{Name: "skipped", FilePath: "b.bru", Passed: true, Skipped: true, Duration: 0},
			{Name: "fail", FilePath: "c.bru", Passed: false, Failures: []AssertionFailure{{Message: "boom"}}, Duration: 800 * time.Millisecond},
		},
		Total:        3,
		Passed:       1,
		Failed:       1,
		Skipped:      1,
		TotalElapsed: 3 * time.Second,
	}

	if err := WriteReportJUnit(out, sum); err != nil {
		t.Fatalf("write junit: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read junit: %v", err)
	}

	var suite junitTestsuite
	if err := xml.Unmarshal(data, &suite); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if suite.Tests != 3 || suite.Failures != 1 || suite.Skipped != 1 {
		t.Fatalf("unexpected suite %+v", suite)
	}
	if len(suite.Cases) != 3 || suite.Cases[2].Failure == nil {
		t.Fatalf("expected failure case recorded")
	}
}

func TestFilterReportHeaders(t *testing.T) {
	sum := RunSummary{
		Cases: []CaseResult{
			{
				Name:            "case",
				RequestHeaders:  map[string]string{"authorization": "Bearer secret", "x-foo": "bar"},
				ResponseHeaders: map[string]string{"content-type": "application/json", "x-foo": "bar"},
			},
		},
	}

	withMask := FilterReportHeaders(sum, RunOptions{})
	if withMask.Cases[0].RequestHeaders["authorization"] != "********" {
		t.Fatalf("authorization not masked: %+v", withMask.Cases[0].RequestHeaders)
	}
	if withMask.Cases[0].RequestHeaders["x-foo"] != "bar" {
		t.Fatalf("unexpected header retained")
	}

	skipOne := FilterReportHeaders(sum, RunOptions{ReporterSkipHeaders: []string{"Authorization"}})
	if _, ok := skipOne.Cases[0].RequestHeaders["authorization"]; ok {
		t.Fatalf("authorization should be skipped")
	}
	if skipOne.Cases[0].RequestHeaders["x-foo"] != "bar" {
		t.Fatalf("x-foo should remain")
	}

	skipAll := FilterReportHeaders(sum, RunOptions{ReporterSkipAllHeaders: true})
	if skipAll.Cases[0].RequestHeaders != nil || skipAll.Cases[0].ResponseHeaders != nil {
		t.Fatalf("headers should be nil when skipping all: %+v %+v", skipAll.Cases[0].RequestHeaders, skipAll.Cases[0].ResponseHeaders)
	}
}

func TestWriteReportJUnitScriptError(t *testing.T) {
	out := filepath.Join(t.TempDir(), "report.xml")
	sum := RunSummary{
		Cases: []CaseResult{{
			Name:      "boom",
			FilePath:  "boom.bru",
			ErrorText: "File: boom.bru\n> 11 | throw new Error('exploded')\nError: exploded",
			Console:   []string{"about to explode"},
		}},
		Total:  1,
		Failed: 1,
	}
	if err := WriteReportJUnit(out, sum); err != nil {
		t.Fatalf("write junit: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read junit: %v", err)
	}
	var suite junitTestsuite
	if err := xml.Unmarshal(data, &suite); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if suite.Name != "bruscript" {
		t.Fatalf("suite name = %q", suite.Name)
	}
	f := suite.Cases[0].Failure
	if f == nil || f.Type != "error" || f.Message != "File: boom.bru" {
		t.Fatalf("unexpected failure %+v", f)
	}
	if !strings.Contains(f.Body, "Error: exploded") {
		t.Fatalf("failure body lost the report: %q", f.Body)
	}
	if suite.Cases[0].SystemOut != "about to explode" {
		t.Fatalf("system-out = %q", suite.Cases[0].SystemOut)
	}
}

func TestWriteReportHTML(t *testing.T) {
	out := filepath.Join(t.TempDir(), "report.html")

	sum := RunSummary{
		Cases: []CaseResult{
			{Name: "ok", FilePath: "a.bru", Passed: true, Duration: 1500 * time.Millisecond},
			{Name: "skipped", FilePath: "b.bru", Passed: true, Skipped: true},
			{Name: "fail", FilePath: "c.bru", Failures: []AssertionFailure{{Name: "status", Message: "expected 404 to equal 200"}}, Duration: 900 * time.Millisecond},
		},
		Total:        3,
		Passed:       1,
		Failed:       1,
		Skipped:      1,
		TotalElapsed: 3 * time.Second,
	}

	if err := WriteReport("html", out, sum); err != nil {
		t.Fatalf("write html: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read html: %v", err)
	}
	html := string(got)
	for _, want := range []string{
		"<title>bruscript report</title>",
		"Total: 3",
		`<span class="status-skip">skipped</span>`,
		`<span class="status-fail">failed</span>`,
		"status: expected 404 to equal 200",
	} {
		if !strings.Contains(html, want) {
			t.Fatalf("html report missing %q:\n%s", want, html)
		}
	}
}

func TestWriteReportUnknownFormat(t *testing.T) {
	if err := WriteReport("yaml", filepath.Join(t.TempDir(), "r"), RunSummary{}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
