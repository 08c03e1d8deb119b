package engine

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Format selects the serialization the writer produces.
type Format int

const (
	// FormatCSV writes one header row then one row per record.
	FormatCSV Format = iota
	// FormatJSON writes an incremental JSON array of records.
	FormatJSON
	// FormatJSONMap writes a top-level JSON object keyed by section name.
	FormatJSONMap
	// FormatYAML writes a top-level YAML mapping keyed by section name.
	FormatYAML
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatJSON:
		return "json"
	case FormatJSONMap:
		return "json"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// ParseFormat maps config format names onto row formats.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	case "yaml":
		return FormatYAML, nil
	default:
		return FormatCSV, fmt.Errorf("unknown output format %q", name)
	}
}

// Row is one serializable result record.
type Row interface {
	// Fields returns CSV cells aligned with the writer's header.
	Fields() []string
	// JSON returns the value marshalled for JSON output.
	JSON() interface{}
}

// Classified is implemented by rows that can be filtered by severity,
// type or key. Rows without it always pass the filter.
type Classified interface {
	Severity() string
	Type() string
	Key() string
}

// Filter is the single filtering policy applied by the consumer just
// before serialization, so every producer shares it.
type Filter struct {
	severities map[string]bool
	types      map[string]bool
	keyPattern *regexp.Regexp
}

// NewFilter builds a filter from comma-separated severity and type lists
// plus an optional key regexp. Empty arguments mean no constraint.
func NewFilter(severities, types, keyPattern string) (*Filter, error) {
	f := &Filter{}

	if severities != "" {
		f.severities = make(map[string]bool)
		for _, s := range strings.Split(severities, ",") {
			f.severities[strings.ToUpper(strings.TrimSpace(s))] = true
		}
	}
	if types != "" {
		f.types = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			f.types[strings.ToUpper(strings.TrimSpace(t))] = true
		}
	}
	if keyPattern != "" {
		re, err := regexp.Compile(keyPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid key filter %q: %w", keyPattern, err)
		}
		f.keyPattern = re
	}

	return f, nil
}

func (f *Filter) matches(row Row) bool {
	if f == nil {
		return true
	}
	c, ok := row.(Classified)
	if !ok {
		return true
	}
	if f.severities != nil && !f.severities[strings.ToUpper(c.Severity())] {
		return false
	}
	if f.types != nil && !f.types[strings.ToUpper(c.Type())] {
		return false
	}
	if f.keyPattern != nil && !f.keyPattern.MatchString(c.Key()) {
		return false
	}
	return true
}

// WriterRecorder receives writer metrics.
type WriterRecorder interface {
	RecordWritten(format string, count int)
	SetQueueDepth(depth int)
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	Format    Format
	Header    []string // CSV only
	Filter    *Filter  // row formats only
	QueueSize int
}

type submission struct {
	rows    []Row
	section *section
}

type section struct {
	name  string
	value interface{}
}

// Writer serializes result records to a sink incrementally: producers
// submit batches from any number of goroutines, one consumer drains a
// bounded queue and writes. Closing the submit side is the end-of-stream
// sentinel; CloseAndWait performs it exactly once, joins the consumer and
// surfaces the first sink error. A failed sink makes the whole output
// invalid: file sinks are aborted, never committed half-written.
type Writer struct {
	config  WriterConfig
	sink    io.WriteCloser
	logger  Logger
	metrics WriterRecorder

	queue chan submission
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool
	aborted bool

	closeOnce sync.Once
	err       error

	written      int
	wroteFirst   bool
	csvWriter    *csv.Writer
	headerOut    bool
	sectionsOpen bool
}

func NewWriter(sink io.WriteCloser, config WriterConfig, logger Logger, metrics WriterRecorder) *Writer {
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	return &Writer{
		config:  config,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan submission, queueSize),
		done:    make(chan struct{}),
	}
}

// Start spawns the consumer goroutine.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("writer already started")
	}
	w.started = true

	go w.consume()
	return nil
}

// Submit queues a batch of rows. Valid for CSV and JSON array formats.
func (w *Writer) Submit(rows ...Row) error {
	if w.config.Format != FormatCSV && w.config.Format != FormatJSON {
		return fmt.Errorf("row submission requires csv or json format")
	}
	if len(rows) == 0 {
		return nil
	}
	return w.enqueue(submission{rows: rows})
}

// SubmitSection queues one named section of an export document. Valid for
// JSON map and YAML formats.
func (w *Writer) SubmitSection(name string, value interface{}) error {
	if w.config.Format != FormatJSONMap && w.config.Format != FormatYAML {
		return fmt.Errorf("section submission requires a document format")
	}
	return w.enqueue(submission{section: &section{name: name, value: value}})
}

func (w *Writer) enqueue(s submission) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if !w.started {
		return fmt.Errorf("writer not started")
	}

	w.queue <- s
	if w.metrics != nil {
		w.metrics.SetQueueDepth(len(w.queue))
	}
	return nil
}

// CloseAndWait signals end-of-stream, waits for the consumer to finish
// writing and finalizing the sink, and returns the first error the sink
// produced. Safe to call more than once; later calls return the same
// error.
func (w *Writer) CloseAndWait() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.queue)
	})

	<-w.done
	return w.err
}

// Abort signals end-of-stream like CloseAndWait but discards the output
// instead of finalizing it: file sinks leave nothing at the target path.
// Callers use it when the producing run failed and a committed document
// would mislead.
func (w *Writer) Abort() {
	w.mu.Lock()
	w.aborted = true
	w.mu.Unlock()
	w.CloseAndWait()
}

func (w *Writer) consume() {
	defer close(w.done)

	for s := range w.queue {
		if w.metrics != nil {
			w.metrics.SetQueueDepth(len(w.queue))
		}
		if w.err != nil {
			continue // sink already failed, drain so producers finish
		}
		if s.section != nil {
			w.setErr(w.writeSection(s.section))
			continue
		}
		w.setErr(w.writeRows(s.rows))
	}

	w.mu.RLock()
	aborted := w.aborted
	w.mu.RUnlock()

	if w.err == nil && !aborted {
		w.setErr(w.finalize())
	}

	if w.err != nil || aborted {
		if a, ok := w.sink.(interface{ Abort() error }); ok {
			a.Abort()
		} else {
			w.sink.Close()
		}
		if w.err != nil {
			w.logger.Error("result writer failed", "error", w.err)
		} else {
			w.logger.Debug("result writer aborted, output discarded")
		}
		return
	}

	w.setErr(w.sink.Close())
	w.logger.Debug("result writer finished",
		"format", w.config.Format.String(),
		"records", w.written)
}

func (w *Writer) setErr(err error) {
	if err != nil && w.err == nil {
		w.err = err
	}
}

func (w *Writer) writeRows(rows []Row) error {
	written := 0
	for _, row := range rows {
		if !w.config.Filter.matches(row) {
			continue
		}
		var err error
		switch w.config.Format {
		case FormatCSV:
			err = w.writeCSVRow(row)
		case FormatJSON:
			err = w.writeJSONRow(row)
		}
		if err != nil {
			return err
		}
		written++
	}

	w.written += written
	if w.metrics != nil && written > 0 {
		w.metrics.RecordWritten(w.config.Format.String(), written)
	}
	return nil
}

func (w *Writer) writeCSVRow(row Row) error {
	if w.csvWriter == nil {
		w.csvWriter = csv.NewWriter(w.sink)
	}
	if !w.headerOut && len(w.config.Header) > 0 {
		if err := w.csvWriter.Write(w.config.Header); err != nil {
			return err
		}
		w.headerOut = true
	}
	return w.csvWriter.Write(row.Fields())
}

func (w *Writer) writeJSONRow(row Row) error {
	data, err := json.MarshalIndent(row.JSON(), "  ", "  ")
	if err != nil {
		return err
	}

	prefix := "[\n  "
	if w.wroteFirst {
		prefix = ",\n  "
	}
	w.wroteFirst = true

	if _, err := io.WriteString(w.sink, prefix); err != nil {
		return err
	}
	_, err = w.sink.Write(data)
	return err
}

func (w *Writer) writeSection(s *section) error {
	switch w.config.Format {
	case FormatJSONMap:
		data, err := json.MarshalIndent(s.value, "  ", "  ")
		if err != nil {
			return err
		}
		prefix := "{\n  "
		if w.sectionsOpen {
			prefix = ",\n  "
		}
		w.sectionsOpen = true
		if _, err := fmt.Fprintf(w.sink, "%s%q: ", prefix, s.name); err != nil {
			return err
		}
		if _, err := w.sink.Write(data); err != nil {
			return err
		}
	case FormatYAML:
		data, err := yaml.Marshal(map[string]interface{}{s.name: s.value})
		if err != nil {
			return err
		}
		if _, err := w.sink.Write(data); err != nil {
			return err
		}
	}

	w.written++
	if w.metrics != nil {
		w.metrics.RecordWritten(w.config.Format.String(), 1)
	}
	return nil
}

// finalize writes closing syntax after the sentinel.
func (w *Writer) finalize() error {
	switch w.config.Format {
	case FormatCSV:
		if w.csvWriter == nil {
			// No rows at all still produces a header.
			w.csvWriter = csv.NewWriter(w.sink)
		}
		if !w.headerOut && len(w.config.Header) > 0 {
			if err := w.csvWriter.Write(w.config.Header); err != nil {
				return err
			}
			w.headerOut = true
		}
		w.csvWriter.Flush()
		return w.csvWriter.Error()
	case FormatJSON:
		if !w.wroteFirst {
			_, err := io.WriteString(w.sink, "[]\n")
			return err
		}
		_, err := io.WriteString(w.sink, "\n]\n")
		return err
	case FormatJSONMap:
		if !w.sectionsOpen {
			_, err := io.WriteString(w.sink, "{}\n")
			return err
		}
		_, err := io.WriteString(w.sink, "\n}\n")
		return err
	}
	return nil
}
