package output

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"playcheck/config"
	"playcheck/scan"
)

const SchemaVersion = "1"

// Entry is one scanned input in a batch report.
type Entry struct {
	Path    string            `json:"path"`
	Hashes  map[string]string `json:"hashes,omitempty"`
	Scan    *scan.Record      `json:"scan,omitempty"`
	Summary *scan.Summary     `json:"summary,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type Metrics struct {
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	TotalFiles   int    `json:"total_files"`
	FilesScanned int    `json:"files_scanned"`
	FilesFailed  int    `json:"files_failed"`
	Violations   int    `json:"violations"`
	MaxSeverity  string `json:"max_severity,omitempty"`
}

// Writer renders batch results as json, ndjson or csv. It is safe for
// concurrent WriteEntry calls.
type Writer struct {
	out     io.Writer
	closer  io.Closer
	buf     *bufio.Writer
	csvw    *csv.Writer
	mu      sync.Mutex
	first   bool
	format  string
	metrics *Metrics
	otel    *Exporter
	err     error
}

// New opens cfg.OutputFileName, or stdout when it is empty.
func New(cfg *config.Config, otel *Exporter) (*Writer, error) {
	format := "json"
	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg != nil {
		format = cfg.OutputFormat
		if cfg.OutputFileName != "" {
			f, err := os.OpenFile(cfg.OutputFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
			if err != nil {
				return nil, err
			}
			out, closer = f, f
		}
	}
	w, err := NewWriter(out, format, otel)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}
	w.closer = closer
	return w, nil
}

// NewWriter writes to out without taking ownership of it.
func NewWriter(out io.Writer, format string, otel *Exporter) (*Writer, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "json"
	}
	w := &Writer{
		out:    out,
		buf:    bufio.NewWriterSize(out, 64*1024),
		first:  true,
		format: format,
		otel:   otel,
	}
	switch format {
	case "csv":
		w.csvw = csv.NewWriter(w.buf)
		if err := w.csvw.Write(csvHeader); err != nil {
			return nil, err
		}
		w.csvw.Flush()
		if err := w.csvw.Error(); err != nil {
			return nil, err
		}
	case "ndjson":
	case "json":
		if _, err := fmt.Fprintf(w.buf, "{\n  \"schema_version\": %q,\n  \"scans\": [\n", SchemaVersion); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	return w, w.buf.Flush()
}

func (w *Writer) WriteEntry(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}

	var err error
	switch w.format {
	case "csv":
		err = w.writeCSVRow("scan", &e, nil)
	case "ndjson":
		err = w.writeNDJSON("scan", e)
	default:
		var data []byte
		data, err = encodeJSONIndent(e, "    ", "  ")
		if err == nil {
			if !w.first {
				_, err = w.buf.WriteString(",\n")
			}
			if err == nil {
				_, err = w.buf.WriteString("    ")
			}
			if err == nil {
				_, err = w.buf.Write(data)
			}
		}
		w.first = false
	}
	if err == nil {
		err = w.flush()
	}
	w.err = err
	return err
}

func (w *Writer) SetMetrics(m Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics = &m
}

// Close finishes the document, emits the metrics record and closes an
// owned file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.err
	if err == nil {
		err = w.writeTrailer()
	}
	if err == nil {
		err = w.flush()
	}
	if w.metrics != nil && w.otel != nil {
		w.otel.Emit(RecordMetrics, w.metrics)
	}
	if w.closer != nil {
		if f, ok := w.closer.(*os.File); ok {
			_ = f.Sync()
		}
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}

func (w *Writer) writeTrailer() error {
	switch w.format {
	case "csv":
		if w.metrics != nil {
			return w.writeCSVRow("metrics", nil, w.metrics)
		}
		return nil
	case "ndjson":
		if w.metrics != nil {
			return w.writeNDJSON("metrics", w.metrics)
		}
		return nil
	default:
		if _, err := w.buf.WriteString("\n  ]"); err != nil {
			return err
		}
		if w.metrics != nil {
			data, err := encodeJSONIndent(w.metrics, "  ", "  ")
			if err != nil {
				return err
			}
			if _, err := w.buf.WriteString(",\n  \"metrics\": "); err != nil {
				return err
			}
			if _, err := w.buf.Write(data); err != nil {
				return err
			}
		}
		_, err := w.buf.WriteString("\n}\n")
		return err
	}
}

type ndjsonRecord struct {
	RecordType    string      `json:"record_type"`
	SchemaVersion string      `json:"schema_version"`
	Payload       interface{} `json:"payload"`
}

func (w *Writer) writeNDJSON(recordType string, payload interface{}) error {
	data, err := encodeJSON(ndjsonRecord{RecordType: recordType, SchemaVersion: SchemaVersion, Payload: payload})
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	return w.buf.WriteByte('\n')
}

func (w *Writer) flush() error {
	if w.csvw != nil {
		w.csvw.Flush()
		if err := w.csvw.Error(); err != nil {
			return err
		}
	}
	return w.buf.Flush()
}

var csvHeader = []string{
	"record_type",
	"schema_version",
	"path",
	"id",
	"file_name",
	"package_name",
	"sdk_version",
	"status",
	"scanned_at",
	"max_severity",
	"violations",
	"categories",
	"permissions",
	"hashes",
	"error",
	"metrics",
}

func (w *Writer) writeCSVRow(recordType string, e *Entry, m *Metrics) error {
	row := make([]string, len(csvHeader))
	row[0] = recordType
	row[1] = SchemaVersion
	if e != nil {
		row[2] = e.Path
		if e.Scan != nil {
			r := e.Scan
			categories := make([]string, 0, len(r.PolicyViolations))
			for _, v := range r.PolicyViolations {
				categories = append(categories, v.Category)
			}
			row[3] = strconv.FormatInt(r.ID, 10)
			row[4] = r.FileName
			row[5] = r.PackageName
			row[6] = strconv.Itoa(r.SDKVersion)
			row[7] = string(r.Status)
			row[8] = r.ScannedAt.UTC().Format(time.RFC3339)
			row[9] = string(r.MaxSeverity())
			row[10] = strconv.Itoa(len(r.PolicyViolations))
			row[11] = strings.Join(categories, ";")
			row[12] = strings.Join(r.Permissions, ";")
		}
		row[13] = formatHashes(e.Hashes)
		row[14] = e.Error
	}
	if m != nil {
		row[15] = jsonString(m)
	}
	return w.csvw.Write(row)
}

func formatHashes(hashes map[string]string) string {
	if len(hashes) == 0 {
		return ""
	}
	keys := make([]string, 0, len(hashes))
	for k := range hashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+hashes[k])
	}
	return strings.Join(parts, ";")
}

func jsonString(value interface{}) string {
	if value == nil {
		return ""
	}
	bytes, err := encodeJSON(value)
	if err != nil {
		return ""
	}
	return string(bytes)
}
