package pipeline

import (
	"fmt"
	"strings"
	"time"

	ntErrors "github.com/ntupler/ntupler/internal/errors"
)

// Report summarizes a run over all shards.
type Report struct {
	Catalog        string          `json:"catalog"`
	CatalogVersion int             `json:"catalog_version"`
	Fingerprint    string          `json:"fingerprint"`
	Outputs        []*OutputReport `json:"outputs"`
	Received       int64           `json:"received"`
	Records        int64           `json:"records"`
	Rows           int64           `json:"rows"`
	Skipped        int64           `json:"skipped"`
	FirstError     *ErrorReport    `json:"first_error,omitempty"`
	Duration       time.Duration   `json:"duration_ns"`
}

// OutputReport describes one shard's output.
type OutputReport struct {
	Shard      string       `json:"shard"`
	OutputID   string       `json:"output_id"`
	Format     string       `json:"format"`
	Path       string       `json:"path,omitempty"`
	Sidecar    string       `json:"sidecar,omitempty"`
	ObjectPath string       `json:"object_path,omitempty"`
	Received   int64        `json:"received"`
	Records    int64        `json:"records"`
	Rows       int64        `json:"rows"`
	Skipped    int64        `json:"skipped"`
	Committed  bool         `json:"committed"`
	Published  bool         `json:"published"`
	Duplicate  bool         `json:"duplicate,omitempty"`
	FirstError *ErrorReport `json:"first_error,omitempty"`
}

// ErrorReport locates an error. Record counts every record the shard's
// source produced, including ones that failed to decode. Object is -1 for
// event-level errors.
type ErrorReport struct {
	Shard    string `json:"shard"`
	Category string `json:"category,omitempty"`
	Code     string `json:"code,omitempty"`
	Column   string `json:"column,omitempty"`
	Record   int64  `json:"record"`
	Object   int    `json:"object"`
	Message  string `json:"message"`
}

func newErrorReport(shard string, err error, record int64) *ErrorReport {
	e := &ErrorReport{
		Shard:    shard,
		Category: string(ntErrors.GetCategory(err)),
		Code:     ntErrors.GetCode(err),
		Record:   record,
		Object:   ntErrors.NoIndex,
		Message:  err.Error(),
	}
	if col, _, obj, ok := ntErrors.Position(err); ok {
		e.Column = col
		e.Object = obj
	}
	return e
}

func (e *ErrorReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: record %d", e.Shard, e.Record)
	if e.Object >= 0 {
		fmt.Fprintf(&b, ", object %d", e.Object)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, ", column %s", e.Column)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	return b.String()
}

func (o *OutputReport) noteError(err error, record int64) {
	if o.FirstError == nil {
		o.FirstError = newErrorReport(o.Shard, err, record)
	}
}

func (r *Report) add(o *OutputReport) {
	r.Outputs = append(r.Outputs, o)
	r.Received += o.Received
	r.Records += o.Records
	r.Rows += o.Rows
	r.Skipped += o.Skipped
	if r.FirstError == nil && o.FirstError != nil {
		r.FirstError = o.FirstError
	}
}

// Summary returns a one-line description of the run.
func (r *Report) Summary() string {
	s := fmt.Sprintf("%s v%d: %d outputs, %d records, %d rows, %d skipped in %s",
		r.Catalog, r.CatalogVersion, len(r.Outputs), r.Records, r.Rows, r.Skipped, r.Duration.Round(time.Millisecond))
	if r.FirstError != nil {
		s += "; first error at " + r.FirstError.String()
	}
	return s
}
