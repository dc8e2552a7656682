package api

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prismaqf/callblocker/internal/redact"
	"github.com/prismaqf/callblocker/internal/store"
)

// ExportFormat represents supported export formats.
type ExportFormat string

const (
	FormatNDJSON ExportFormat = "ndjson"
	FormatJSON   ExportFormat = "json"
	FormatCSV    ExportFormat = "csv"

	// MaxCSVRows limits CSV exports to keep spreadsheets usable
	MaxCSVRows = 10000
	// MaxJSONRows limits JSON exports (JSON buffers all rows in memory)
	MaxJSONRows = 10000
)

// ExportCall is the exported view of a logged call.
type ExportCall struct {
	ID          int64   `json:"id"`
	RunID       int64   `json:"run_id"`
	Timestamp   string  `json:"timestamp,omitempty"`
	Number      string  `json:"number"`
	Description *string `json:"description,omitempty"`
	RuleID      *int64  `json:"rule_id,omitempty"`
	Matched     bool    `json:"matched"`
}

// ExportConfig holds export configuration parsed from query params.
type ExportConfig struct {
	Format  ExportFormat
	MaxRows int    // 0 means unlimited
	RunID   *int64 // restrict to one run
}

// ParseExportConfig parses export configuration from request query params.
func ParseExportConfig(r *http.Request) ExportConfig {
	cfg := ExportConfig{Format: FormatNDJSON}

	switch r.URL.Query().Get("format") {
	case "json":
		cfg.Format = FormatJSON
		cfg.MaxRows = MaxJSONRows
	case "csv":
		cfg.Format = FormatCSV
		cfg.MaxRows = MaxCSVRows
	}

	if v := r.URL.Query().Get("max_rows"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRows = n
		}
	}
	if v := r.URL.Query().Get("run_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RunID = &id
		}
	}

	return cfg
}

// CallExporter writes logged calls in a specific format.
type CallExporter interface {
	// ContentType returns the MIME type for this format.
	ContentType() string
	// FileExtension returns the file extension for downloads.
	FileExtension() string
	// WriteHeader writes any header/preamble needed.
	WriteHeader(w io.Writer) error
	// WriteCall writes a single call.
	WriteCall(w io.Writer, call ExportCall) error
	// WriteFooter writes any footer/closing needed.
	WriteFooter(w io.Writer, rowCount int) error
}

// NDJSONExporter exports calls as newline-delimited JSON.
type NDJSONExporter struct {
	encoder *json.Encoder
}

func NewNDJSONExporter() *NDJSONExporter {
	return &NDJSONExporter{}
}

func (e *NDJSONExporter) ContentType() string   { return "application/x-ndjson" }
func (e *NDJSONExporter) FileExtension() string { return "ndjson" }

func (e *NDJSONExporter) WriteHeader(w io.Writer) error {
	e.encoder = json.NewEncoder(w)
	return nil
}

func (e *NDJSONExporter) WriteCall(w io.Writer, call ExportCall) error {
	return e.encoder.Encode(call)
}

func (e *NDJSONExporter) WriteFooter(w io.Writer, rowCount int) error {
	return nil
}

// JSONExporter exports calls as a JSON object with metadata.
type JSONExporter struct {
	calls []ExportCall
}

func NewJSONExporter() *JSONExporter {
	return &JSONExporter{calls: make([]ExportCall, 0)}
}

func (e *JSONExporter) ContentType() string   { return "application/json" }
func (e *JSONExporter) FileExtension() string { return "json" }

func (e *JSONExporter) WriteHeader(w io.Writer) error {
	return nil // JSON writes everything in footer
}

func (e *JSONExporter) WriteCall(w io.Writer, call ExportCall) error {
	e.calls = append(e.calls, call)
	return nil
}

func (e *JSONExporter) WriteFooter(w io.Writer, rowCount int) error {
	response := map[string]interface{}{
		"calls": e.calls,
		"meta": map[string]interface{}{
			"row_count":   rowCount,
			"exported_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// CSVExporter exports calls as CSV.
type CSVExporter struct {
	writer *csv.Writer
}

func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

func (e *CSVExporter) ContentType() string   { return "text/csv" }
func (e *CSVExporter) FileExtension() string { return "csv" }

func (e *CSVExporter) WriteHeader(w io.Writer) error {
	e.writer = csv.NewWriter(w)
	return e.writer.Write([]string{
		"id", "run_id", "timestamp", "number", "description", "rule_id", "matched",
	})
}

func (e *CSVExporter) WriteCall(w io.Writer, call ExportCall) error {
	return e.writer.Write([]string{
		strconv.FormatInt(call.ID, 10),
		strconv.FormatInt(call.RunID, 10),
		call.Timestamp,
		call.Number,
		ptrStr(call.Description),
		ptrInt64ToStr(call.RuleID),
		strconv.FormatBool(call.Matched),
	})
}

func (e *CSVExporter) WriteFooter(w io.Writer, rowCount int) error {
	e.writer.Flush()
	return e.writer.Error()
}

// NewExporter creates an exporter for the given format.
func NewExporter(format ExportFormat) CallExporter {
	switch format {
	case FormatJSON:
		return NewJSONExporter()
	case FormatCSV:
		return NewCSVExporter()
	default:
		return NewNDJSONExporter()
	}
}

// toExportCall converts a logged call, masking the number and any number
// embedded in the description when m is non-nil.
func toExportCall(c *store.LoggedCall, m *redact.Masker) ExportCall {
	out := ExportCall{
		ID:      c.ID,
		RunID:   c.RunID,
		Number:  m.Mask(c.Number),
		RuleID:  c.RuleID,
		Matched: c.Matched(),
	}
	if c.Timestamp != nil {
		out.Timestamp = c.Timestamp.Format(store.DateLayout)
	}
	if c.Description != nil {
		d := m.MaskText(*c.Description)
		out.Description = &d
	}
	return out
}

func ptrInt64ToStr(p *int64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatInt(*p, 10)
}

func ptrStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
