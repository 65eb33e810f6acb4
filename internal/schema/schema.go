package schema

import (
	"fmt"
	"log"
	"strings"

	"github.com/zeebo/xxh3"

	ntErrors "github.com/ntupler/ntupler/internal/errors"
	"github.com/ntupler/ntupler/pkg/types"
)

// Schema is the immutable, ordered column list produced by Build. It is safe
// for concurrent use.
type Schema struct {
	catalog     string
	version     int
	keyColumn   string
	columns     []types.Column
	index       map[string]int
	fingerprint uint64
}

// Build evaluates every candidate of cat against opts and returns the
// included columns in catalog order.
func Build(cat *Catalog, opts Options) (*Schema, error) {
	defaults := make(map[string]bool, len(opts.DefaultOnMissing))
	for _, name := range opts.DefaultOnMissing {
		if !cat.Has(name) {
			return nil, ntErrors.NewSchemaError(ntErrors.CodeUnknownColumn,
				fmt.Sprintf("default_on_missing names unknown column in catalog %s", cat.Name)).
				At(name, ntErrors.NoIndex, ntErrors.NoIndex)
		}
		defaults[name] = true
	}

	s := &Schema{
		catalog: cat.Name,
		version: cat.Version,
		index:   make(map[string]int),
	}

	for _, cand := range cat.Candidates {
		if !cand.Included(opts) {
			continue
		}
		col := cand.Column

		if _, dup := s.index[col.Name]; dup {
			return nil, ntErrors.NewSchemaError(ntErrors.CodeDuplicateColumn,
				"column name appears twice among included columns").
				At(col.Name, ntErrors.NoIndex, ntErrors.NoIndex)
		}
		if !col.Transform.Accepts(col.Kind, col.Elem) {
			return nil, ntErrors.NewSchemaError(ntErrors.CodeInvalidTransform,
				fmt.Sprintf("transform %s is not defined for %s", col.Transform, col.TypeName())).
				At(col.Name, ntErrors.NoIndex, ntErrors.NoIndex)
		}
		if col.Default.IsValid() && !col.Accepts(col.Default) {
			return nil, ntErrors.NewSchemaError(ntErrors.CodeInvalidDefault,
				fmt.Sprintf("default of type %s for column of type %s", col.Default.TypeName(), col.TypeName())).
				At(col.Name, ntErrors.NoIndex, ntErrors.NoIndex)
		}
		if defaults[col.Name] {
			col.OnMissing = types.MissingDefault
		}

		s.index[col.Name] = len(s.columns)
		s.columns = append(s.columns, col)
		if col.Name == cat.KeyColumn {
			s.keyColumn = col.Name
		}
	}

	s.fingerprint = xxh3.HashString(s.canonical())
	log.Printf("schema: built %s v%d with %d columns (fingerprint %016x)",
		s.catalog, s.version, len(s.columns), s.fingerprint)
	return s, nil
}

// BuildNamed looks up a registered catalog and builds it.
func BuildNamed(name string, opts Options) (*Schema, error) {
	cat, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return Build(cat, opts)
}

// Catalog returns the catalog name the schema was built from.
func (s *Schema) Catalog() string { return s.catalog }

// Version returns the catalog version.
func (s *Schema) Version() int { return s.version }

// KeyColumn returns the event key column name, or "" if it was not included.
func (s *Schema) KeyColumn() string { return s.keyColumn }

// Len returns the number of columns.
func (s *Schema) Len() int { return len(s.columns) }

// Column returns the i-th column.
func (s *Schema) Column(i int) types.Column { return s.columns[i] }

// Columns returns a copy of the column list.
func (s *Schema) Columns() []types.Column {
	out := make([]types.Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// Names returns the column names in order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// Lookup returns the column with the given name and its position.
func (s *Schema) Lookup(name string) (types.Column, int, bool) {
	i, ok := s.index[name]
	if !ok {
		return types.Column{}, -1, false
	}
	return s.columns[i], i, true
}

// Fingerprint is a hash of the catalog identity and every column's name,
// source, level, type, transform and missing policy. Two schemas with the
// same fingerprint produce interchangeable outputs.
func (s *Schema) Fingerprint() uint64 { return s.fingerprint }

func (s *Schema) canonical() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\x00%d\n", s.catalog, s.version)
	for _, c := range s.columns {
		fmt.Fprintf(&sb, "%s\x00%s\x00%s\x00%s\x00%s\x00%s\x00%s\n",
			c.Name, c.Source, c.Level, c.TypeName(), c.Transform, c.OnMissing, c.DefaultValue())
	}
	return sb.String()
}
