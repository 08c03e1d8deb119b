package engine

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"gopkg.in/yaml.v3"
)

type testRow struct {
	key      string
	severity string
	typ      string
	message  string
}

func (r testRow) Fields() []string { return []string{r.key, r.severity, r.typ, r.message} }
func (r testRow) JSON() interface{} {
	return map[string]string{
		"key":      r.key,
		"severity": r.severity,
		"type":     r.typ,
		"message":  r.message,
	}
}
func (r testRow) Severity() string { return r.severity }
func (r testRow) Type() string     { return r.typ }
func (r testRow) Key() string      { return r.key }

type memSink struct {
	bytes.Buffer
	closed  bool
	aborted bool
}

func (s *memSink) Close() error { s.closed = true; return nil }
func (s *memSink) Abort() error { s.aborted = true; return nil }

type failingSink struct {
	writes int
	failAt int
	closed bool
}

func (s *failingSink) Write(p []byte) (int, error) {
	s.writes++
	if s.writes >= s.failAt {
		return 0, errors.New("disk full")
	}
	return len(p), nil
}

func (s *failingSink) Close() error { s.closed = true; return nil }

func startedWriter(t *testing.T, sink *memSink, config WriterConfig) *Writer {
	t.Helper()
	w := NewWriter(sink, config, &testLogger{}, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start writer: %v", err)
	}
	return w
}

func TestCSVOutput(t *testing.T) {
	sink := &memSink{}
	w := startedWriter(t, sink, WriterConfig{
		Format: FormatCSV,
		Header: []string{"Key", "Severity", "Type", "Message"},
	})

	w.Submit(testRow{key: "p1", severity: "HIGH", typ: "SECURITY", message: "no scan"})
	w.Submit(
		testRow{key: "p2", severity: "LOW", typ: "GOVERNANCE", message: "stale"},
		testRow{key: "p3", severity: "MEDIUM", typ: "OPERATIONS", message: "old version"},
	)

	if err := w.CloseAndWait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := csv.NewReader(strings.NewReader(sink.String())).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected header + 3 rows, got %d records", len(records))
	}
	if records[0][0] != "Key" {
		t.Errorf("expected header first, got %v", records[0])
	}
	if records[1][0] != "p1" || records[3][3] != "old version" {
		t.Errorf("unexpected rows: %v", records)
	}
	if !sink.closed {
		t.Errorf("expected sink closed")
	}
}

func TestJSONOutput(t *testing.T) {
	sink := &memSink{}
	w := startedWriter(t, sink, WriterConfig{Format: FormatJSON})

	w.Submit(testRow{key: "p1", severity: "HIGH", typ: "SECURITY", message: "m1"})
	w.Submit(testRow{key: "p2", severity: "LOW", typ: "GOVERNANCE", message: "m2"})

	if err := w.CloseAndWait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded []map[string]string
	if err := json.Unmarshal(sink.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, sink.String())
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 records, got %d", len(decoded))
	}
	if decoded[0]["key"] != "p1" || decoded[1]["message"] != "m2" {
		t.Errorf("unexpected records: %v", decoded)
	}
}

func TestJSONEmptyOutput(t *testing.T) {
	sink := &memSink{}
	w := startedWriter(t, sink, WriterConfig{Format: FormatJSON})

	if err := w.CloseAndWait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded []interface{}
	if err := json.Unmarshal(sink.Bytes(), &decoded); err != nil {
		t.Fatalf("empty output is not valid JSON: %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("expected empty array, got %v", decoded)
	}
}

func TestNoRecordDroppedOrDuplicated(t *testing.T) {
	sink := &memSink{}
	w := startedWriter(t, sink, WriterConfig{Format: FormatJSON, QueueSize: 8})

	const producers = 10
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				w.Submit(testRow{key: fmt.Sprintf("p%d-r%d", p, i)})
			}
		}(p)
	}
	wg.Wait()

	if err := w.CloseAndWait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded []map[string]string
	if err := json.Unmarshal(sink.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(decoded) != producers*perProducer {
		t.Fatalf("expected %d records, got %d", producers*perProducer, len(decoded))
	}

	seen := make(map[string]bool)
	for _, rec := range decoded {
		if seen[rec["key"]] {
			t.Fatalf("record %s duplicated", rec["key"])
		}
		seen[rec["key"]] = true
	}
}

func TestSectionedJSONOutput(t *testing.T) {
	sink := &memSink{}
	w := startedWriter(t, sink, WriterConfig{Format: FormatJSONMap})

	w.SubmitSection("projects", []map[string]string{{"key": "p1"}})
	w.SubmitSection("qualityGates", []map[string]string{{"name": "default"}})

	if err := w.CloseAndWait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(sink.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, sink.String())
	}
	if len(decoded) != 2 {
		t.Errorf("expected 2 sections, got %v", decoded)
	}
	if _, ok := decoded["projects"]; !ok {
		t.Errorf("missing projects section")
	}
	if _, ok := decoded["qualityGates"]; !ok {
		t.Errorf("missing qualityGates section")
	}
}

func TestYAMLOutput(t *testing.T) {
	sink := &memSink{}
	w := startedWriter(t, sink, WriterConfig{Format: FormatYAML})

	w.SubmitSection("projects", []map[string]string{{"key": "p1"}})
	w.SubmitSection("groups", []string{"admins", "users"})

	if err := w.CloseAndWait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := yaml.Unmarshal(sink.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid YAML: %v\n%s", err, sink.String())
	}
	if len(decoded) != 2 {
		t.Errorf("expected 2 sections, got %v", decoded)
	}
}

func TestFilterAppliedInConsumer(t *testing.T) {
	filter, err := NewFilter("HIGH,CRITICAL", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sink := &memSink{}
	w := startedWriter(t, sink, WriterConfig{Format: FormatJSON, Filter: filter})

	w.Submit(
		testRow{key: "keep", severity: "HIGH", typ: "SECURITY"},
		testRow{key: "drop", severity: "LOW", typ: "SECURITY"},
		testRow{key: "keep2", severity: "CRITICAL", typ: "GOVERNANCE"},
	)

	if err := w.CloseAndWait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded []map[string]string
	if err := json.Unmarshal(sink.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 records after filtering, got %d", len(decoded))
	}
	for _, rec := range decoded {
		if rec["severity"] == "LOW" {
			t.Errorf("LOW severity record not filtered out")
		}
	}
}

func TestFilterByKeyPattern(t *testing.T) {
	filter, err := NewFilter("", "", "^app-")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sink := &memSink{}
	w := startedWriter(t, sink, WriterConfig{Format: FormatJSON, Filter: filter})

	w.Submit(
		testRow{key: "app-one", severity: "HIGH"},
		testRow{key: "lib-two", severity: "HIGH"},
	)

	if err := w.CloseAndWait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded []map[string]string
	json.Unmarshal(sink.Bytes(), &decoded)
	if len(decoded) != 1 || decoded[0]["key"] != "app-one" {
		t.Errorf("unexpected records: %v", decoded)
	}
}

func TestInvalidFilterPattern(t *testing.T) {
	if _, err := NewFilter("", "", "("); err == nil {
		t.Errorf("expected error for invalid pattern")
	}
}

func TestSinkFailureSurfacesAtClose(t *testing.T) {
	sink := &failingSink{failAt: 2}
	w := NewWriter(sink, WriterConfig{Format: FormatJSON}, &testLogger{}, nil)
	w.Start()

	for i := 0; i < 10; i++ {
		w.Submit(testRow{key: fmt.Sprintf("r%d", i)})
	}

	err := w.CloseAndWait()
	if err == nil {
		t.Fatalf("expected sink failure to surface")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCloseAndWaitIdempotent(t *testing.T) {
	sink := &memSink{}
	w := startedWriter(t, sink, WriterConfig{Format: FormatJSON})

	w.Submit(testRow{key: "r1"})

	if err := w.CloseAndWait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.CloseAndWait(); err != nil {
		t.Fatalf("second close must return the same nil result: %v", err)
	}
}

func TestAbortDiscardsOutput(t *testing.T) {
	sink := &memSink{}
	w := startedWriter(t, sink, WriterConfig{Format: FormatJSON})

	w.Submit(testRow{key: "r1", severity: "HIGH", typ: "OPERATIONS", message: "m"})
	w.Abort()

	if !sink.aborted {
		t.Errorf("abort must reach the sink")
	}
	if sink.closed {
		t.Errorf("aborted writer must not finalize the sink")
	}
	if err := w.Submit(testRow{key: "late"}); err == nil {
		t.Errorf("expected error submitting after abort")
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	sink := &memSink{}
	w := startedWriter(t, sink, WriterConfig{Format: FormatJSON})

	w.CloseAndWait()

	if err := w.Submit(testRow{key: "late"}); err == nil {
		t.Errorf("expected error submitting after close")
	}
}

func TestSubmitWrongKind(t *testing.T) {
	sink := &memSink{}
	w := startedWriter(t, sink, WriterConfig{Format: FormatJSON})
	defer w.CloseAndWait()

	if err := w.SubmitSection("projects", nil); err == nil {
		t.Errorf("expected section submission rejected for row format")
	}

	sink2 := &memSink{}
	w2 := startedWriter(t, sink2, WriterConfig{Format: FormatYAML})
	defer w2.CloseAndWait()

	if err := w2.Submit(testRow{key: "r"}); err == nil {
		t.Errorf("expected row submission rejected for document format")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
		wantErr  bool
	}{
		{input: "csv", expected: FormatCSV},
		{input: "CSV", expected: FormatCSV},
		{input: "json", expected: FormatJSON},
		{input: "yaml", expected: FormatYAML},
		{input: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFileSinkCommitsOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	sink, err := OpenSink(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := sink.Write([]byte("[]\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected output file: %v", err)
	}
	if string(data) != "[]\n" {
		t.Errorf("unexpected content: %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind")
	}
}

func TestFileSinkAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	sink, err := OpenSink(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sink.Write([]byte("partial"))
	if err := sink.Abort(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("aborted sink must not produce the target file")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("aborted sink must remove its temporary file")
	}
}
