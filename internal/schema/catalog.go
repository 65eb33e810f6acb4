// Package schema builds immutable output schemas from versioned column
// catalogs and configuration flags.
package schema

import (
	"fmt"
	"slices"
	"sort"

	ntErrors "github.com/ntupler/ntupler/internal/errors"
	"github.com/ntupler/ntupler/pkg/types"
)

// Flag names an optional group of catalog columns.
type Flag string

const (
	// FlagTruth enables simulation truth columns.
	FlagTruth Flag = "truth"
	// FlagRNNScore enables the RNN-derived jet score column.
	FlagRNNScore Flag = "rnnscore"
)

// Options configures a schema build. All flags are independent.
type Options struct {
	// Flags lists the enabled column groups
	Flags map[Flag]bool

	// DefaultOnMissing names columns that write their default value instead
	// of failing when the source attribute is absent
	DefaultOnMissing []string
}

// NewOptions returns options with the given flags enabled.
func NewOptions(flags ...Flag) Options {
	o := Options{Flags: make(map[Flag]bool, len(flags))}
	for _, f := range flags {
		o.Flags[f] = true
	}
	return o
}

// Enabled reports whether flag f is set.
func (o Options) Enabled(f Flag) bool {
	return o.Flags[f]
}

// Candidate is one catalog entry: a column plus the flags that must all be
// enabled for it to be included.
type Candidate struct {
	types.Column
	Requires []Flag
}

// Included evaluates the inclusion predicate against o.
func (c Candidate) Included(o Options) bool {
	for _, f := range c.Requires {
		if !o.Enabled(f) {
			return false
		}
	}
	return true
}

// Catalog is a fixed, versioned, ordered list of candidate columns for one
// output variant.
type Catalog struct {
	Name    string
	Version int

	// KeyColumn is the event identifier column indexed by the sidecar bloom
	// filter
	KeyColumn string

	Candidates []Candidate
}

// Flags returns the distinct flags referenced by the catalog, sorted.
func (c *Catalog) Flags() []Flag {
	seen := make(map[Flag]bool)
	var flags []Flag
	for _, cand := range c.Candidates {
		for _, f := range cand.Requires {
			if !seen[f] {
				seen[f] = true
				flags = append(flags, f)
			}
		}
	}
	slices.Sort(flags)
	return flags
}

// Has reports whether any candidate is named name.
func (c *Catalog) Has(name string) bool {
	for _, cand := range c.Candidates {
		if cand.Name == name {
			return true
		}
	}
	return false
}

var registry = map[string]func() *Catalog{
	"tauid":     TauIDCatalog,
	"decaymode": DecayModeCatalog,
}

// Lookup returns the registered catalog with the given name.
func Lookup(name string) (*Catalog, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, ntErrors.NewSchemaError(ntErrors.CodeUnknownCatalog,
			fmt.Sprintf("unknown catalog %q (known: %v)", name, CatalogNames()))
	}
	return ctor(), nil
}

// CatalogNames returns the registered catalog names, sorted.
func CatalogNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog construction helpers.

func eventScalar(name, source string, elem types.ElementType) Candidate {
	return Candidate{Column: types.Column{
		Name: name, Source: source, Level: types.LevelEvent, Kind: types.KindScalar, Elem: elem,
	}}
}

func scalar(name, source string, elem types.ElementType, requires ...Flag) Candidate {
	return Candidate{
		Column:   types.Column{Name: name, Source: source, Kind: types.KindScalar, Elem: elem},
		Requires: requires,
	}
}

func absScalar(name, source string, elem types.ElementType) Candidate {
	c := scalar(name, source, elem)
	c.Transform = types.TransformAbs
	return c
}

func sequence(name, source string, elem types.ElementType) Candidate {
	return Candidate{Column: types.Column{Name: name, Source: source, Kind: types.KindSequence, Elem: elem}}
}

// group expands fields into sequence columns "<prefix>.<field>" read from
// "<sourcePrefix><field>".
func group(prefix, sourcePrefix string, elem types.ElementType, fields ...string) []Candidate {
	out := make([]Candidate, len(fields))
	for i, f := range fields {
		out[i] = sequence(prefix+"."+f, sourcePrefix+f, elem)
	}
	return out
}

// renamed expands name/source pairs into sequence columns "<prefix>.<name>".
func renamed(prefix string, elem types.ElementType, pairs ...[2]string) []Candidate {
	out := make([]Candidate, len(pairs))
	for i, p := range pairs {
		out[i] = sequence(prefix+"."+p[0], p[1], elem)
	}
	return out
}
