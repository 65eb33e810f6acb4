package types

import "errors"

// Value and column errors.
var (
	// ErrInvalidValue is returned when an invalid (zero) Value is encoded.
	ErrInvalidValue = errors.New("invalid value")

	// ErrUnknownElementType is returned for an unrecognized element type name.
	ErrUnknownElementType = errors.New("unknown element type")

	// ErrTransformNotApplicable is returned when a transform is applied to a
	// value it is not defined for.
	ErrTransformNotApplicable = errors.New("transform not applicable")
)
