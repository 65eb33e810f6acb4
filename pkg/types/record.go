package types

// AttributeStore is a named-attribute lookup, implemented by Attributes and
// Record.
type AttributeStore interface {
	Attribute(key string) (Value, bool)
}

// Attributes maps attribute keys to typed values. It is the store carried by
// every object and by the event-level part of a record.
type Attributes map[string]Value

// Attribute returns the value stored under key.
func (a Attributes) Attribute(key string) (Value, bool) {
	v, ok := a[key]
	return v, ok
}

// Record is one upstream event: event-level attributes plus the ordered
// top-level objects (e.g. tau candidates) reconstructed in it.
type Record struct {
	// Attributes holds event-level metadata such as the event number
	Attributes Attributes `json:"attributes"`

	// Objects holds one attribute store per object, in source order.
	// Sequence lengths may differ between objects for the same key.
	Objects []Attributes `json:"objects"`
}

// Attribute returns the event-level value stored under key.
func (r *Record) Attribute(key string) (Value, bool) {
	return r.Attributes.Attribute(key)
}

// NumObjects returns the number of top-level objects.
func (r *Record) NumObjects() int {
	return len(r.Objects)
}
