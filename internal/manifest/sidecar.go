// Package manifest describes finalized outputs: the .meta.json sidecar
// written next to every output, and the SQLite catalog of published
// outputs.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/ntupler/ntupler/internal/bloom"
	"github.com/ntupler/ntupler/internal/schema"
	"github.com/ntupler/ntupler/internal/sink"
	"github.com/ntupler/ntupler/pkg/types"
)

// Sidecar is the .meta.json file written next to an output.
type Sidecar struct {
	OutputID       string         `json:"output_id"`
	Catalog        string         `json:"catalog"`
	CatalogVersion int            `json:"catalog_version"`
	Fingerprint    string         `json:"fingerprint"`
	Format         string         `json:"format"`
	Table          string         `json:"table,omitempty"`
	Columns        []ColumnMeta   `json:"columns"`
	Stats          OutputStats    `json:"stats"`
	KeyFilter      *bloom.Encoded `json:"key_filter,omitempty"`
	Checksum       string         `json:"checksum,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
	CreatedAt      int64          `json:"created_at"`
}

// ColumnMeta describes one schema column.
type ColumnMeta struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Level     string `json:"level"`
	Source    string `json:"source"`
	Transform string `json:"transform,omitempty"`
}

// OutputStats holds output-level statistics.
type OutputStats struct {
	Records   int64              `json:"records"`
	Rows      int64              `json:"rows"`
	Skipped   int64              `json:"skipped,omitempty"`
	SizeBytes int64              `json:"size_bytes"`
	Columns   []sink.ColumnStats `json:"columns,omitempty"`
}

// OutputInfo is everything known about an output once its session closed.
type OutputInfo struct {
	OutputID  string
	Schema    *schema.Schema
	Format    string
	Path      string // empty for outputs that are not local files
	Table     string
	Records   int64
	Skipped   int64
	Stats     *sink.StatsTracker
	Keys      *KeySet
	Digest    *RowDigest
	CreatedAt time.Time
}

// Generator generates sidecars for finalized outputs.
type Generator struct {
	targetFPR float64
}

// NewGenerator creates a sidecar generator with a 1% key filter false
// positive rate.
func NewGenerator() *Generator {
	return &Generator{targetFPR: 0.01}
}

// Generate builds the sidecar for info. The output file, if any, must be
// finalized: its size and checksum are read here.
func (g *Generator) Generate(info *OutputInfo) (*Sidecar, error) {
	if info.Schema == nil {
		return nil, fmt.Errorf("manifest: output %s has no schema", info.OutputID)
	}
	s := info.Schema

	sc := &Sidecar{
		OutputID:       info.OutputID,
		Catalog:        s.Catalog(),
		CatalogVersion: s.Version(),
		Fingerprint:    fmt.Sprintf("%016x", s.Fingerprint()),
		Format:         info.Format,
		Table:          info.Table,
		Stats: OutputStats{
			Records: info.Records,
			Skipped: info.Skipped,
		},
		ContentHash: info.Digest.Sum(),
		CreatedAt:   info.CreatedAt.Unix(),
	}
	for _, c := range s.Columns() {
		cm := ColumnMeta{
			Name:   c.Name,
			Type:   c.TypeName(),
			Level:  c.Level.String(),
			Source: c.Source,
		}
		if c.Transform != types.TransformNone {
			cm.Transform = c.Transform.String()
		}
		sc.Columns = append(sc.Columns, cm)
	}
	if info.Stats != nil {
		sc.Stats.Rows = info.Stats.RowCount()
		sc.Stats.Columns = info.Stats.Columns()
	}

	if info.Keys != nil && info.Keys.Len() > 0 {
		filter := bloom.NewWithEstimates(info.Keys.Len(), g.targetFPR)
		for k := range info.Keys.keys {
			filter.AddKey(k)
		}
		enc, err := filter.Encode(s.KeyColumn())
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to encode key filter: %w", err)
		}
		sc.KeyFilter = enc
	}

	if info.Path != "" {
		fi, err := os.Stat(info.Path)
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to stat output: %w", err)
		}
		sc.Stats.SizeBytes = fi.Size()
		sum, err := FileChecksum(info.Path)
		if err != nil {
			return nil, err
		}
		sc.Checksum = sum
	}
	return sc, nil
}

// GenerateAndWrite generates the sidecar and writes it to path.
func (g *Generator) GenerateAndWrite(info *OutputInfo, path string) (*Sidecar, error) {
	sc, err := g.Generate(info)
	if err != nil {
		return nil, err
	}
	if err := sc.WriteToFile(path); err != nil {
		return nil, err
	}
	return sc, nil
}

// SameContent reports whether s and o describe the same rows under the same
// schema. Outputs without a content hash fall back to the file checksum.
func (s *Sidecar) SameContent(o *Sidecar) bool {
	if s.Fingerprint != o.Fingerprint || s.Stats.Rows != o.Stats.Rows {
		return false
	}
	if s.ContentHash != "" || o.ContentHash != "" {
		return s.ContentHash == o.ContentHash
	}
	return s.Checksum != "" && s.Checksum == o.Checksum
}

// MayContainKey reports whether the output may hold rows of the event with
// the given key. Without a key filter every key may be present.
func (s *Sidecar) MayContainKey(key uint64) (bool, error) {
	if s.KeyFilter == nil {
		return true, nil
	}
	f, err := bloom.Decode(s.KeyFilter)
	if err != nil {
		return false, err
	}
	return f.ContainsKey(key), nil
}

// CreatedAtTime returns the creation time as time.Time.
func (s *Sidecar) CreatedAtTime() time.Time {
	return time.Unix(s.CreatedAt, 0)
}

// WriteToFile writes the sidecar as indented JSON.
func (s *Sidecar) WriteToFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: failed to marshal sidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("manifest: failed to write sidecar file: %w", err)
	}
	return nil
}

// ReadSidecarFromFile reads a sidecar written by WriteToFile.
func ReadSidecarFromFile(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to read sidecar file: %w", err)
	}
	return FromJSON(data)
}

// FromJSON deserializes a sidecar.
func FromJSON(data []byte) (*Sidecar, error) {
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("manifest: failed to unmarshal sidecar: %w", err)
	}
	return &sc, nil
}

// SidecarPath returns the sidecar path of an output file:
// "out/run.sqlite" becomes "out/run.meta.json".
func SidecarPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, name+".meta.json")
}

// FileChecksum returns the hex xxh3 digest of a file.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("manifest: failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("manifest: failed to checksum %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// KeySet collects the distinct event keys written to an output. Key values
// are read from the schema's key column; rows are fed from the sink's row
// hook.
type KeySet struct {
	index int
	keys  map[uint64]struct{}
}

// NewKeySet creates a key set for s. It returns nil if the schema has no
// usable integer key column.
func NewKeySet(s *schema.Schema) *KeySet {
	col, i, ok := s.Lookup(s.KeyColumn())
	if !ok || col.Kind != types.KindScalar || col.Elem.IsFloat() {
		return nil
	}
	return &KeySet{index: i, keys: make(map[uint64]struct{})}
}

// Observe records the key of row.
func (k *KeySet) Observe(row types.Row) {
	if k == nil || k.index >= len(row) {
		return
	}
	switch d := row[k.index].Interface().(type) {
	case uint64:
		k.keys[d] = struct{}{}
	case uint32:
		k.keys[uint64(d)] = struct{}{}
	case int32:
		k.keys[uint64(d)] = struct{}{}
	case uint8:
		k.keys[uint64(d)] = struct{}{}
	}
}

// Len returns the number of distinct keys.
func (k *KeySet) Len() int {
	if k == nil {
		return 0
	}
	return len(k.keys)
}
