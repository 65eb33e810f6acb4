package emit

import (
	"fmt"

	ntErrors "github.com/ntupler/ntupler/internal/errors"
	"github.com/ntupler/ntupler/pkg/types"
)

// extract reads one column's value from store, applies its transform and
// checks the result against the declared type. record and object locate the
// value for error reporting; object is NoIndex for event-level columns.
func extract(col types.Column, store types.AttributeStore, record, object int) (types.Value, error) {
	raw, ok := store.Attribute(col.Source)
	if !ok {
		if col.OnMissing == types.MissingDefault {
			return col.DefaultValue().Clone(), nil
		}
		return types.Value{}, ntErrors.NewEmitError(ntErrors.CodeMissingAttribute,
			fmt.Sprintf("attribute %q not found", col.Source), nil).At(col.Name, record, object)
	}

	if col.Transform != types.TransformNone {
		if !col.Transform.Accepts(raw.Kind(), raw.Elem()) {
			return types.Value{}, ntErrors.NewEmitError(ntErrors.CodeTypeMismatch,
				fmt.Sprintf("transform %s cannot be applied to %s", col.Transform, raw.TypeName()), nil).
				At(col.Name, record, object)
		}
		v, err := col.Transform.Apply(raw)
		if err != nil {
			return types.Value{}, ntErrors.NewEmitError(ntErrors.CodeTypeMismatch,
				"transform failed", err).At(col.Name, record, object)
		}
		raw = v
	}

	if !col.Accepts(raw) {
		return types.Value{}, ntErrors.NewEmitError(ntErrors.CodeTypeMismatch,
			fmt.Sprintf("attribute %q is %s, column is %s", col.Source, raw.TypeName(), col.TypeName()), nil).
			At(col.Name, record, object)
	}
	return raw.Clone(), nil
}
