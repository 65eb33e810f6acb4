package manifest

import (
	"testing"

	"github.com/ntupler/ntupler/pkg/types"
)

func digestOf(rows ...types.Row) string {
	d := NewRowDigest()
	for _, r := range rows {
		d.Observe(r)
	}
	return d.Sum()
}

func TestRowDigest(t *testing.T) {
	a := types.Row{types.Uint64(7), types.Float32(1.5), types.Float32s([]float32{1, 2})}
	b := types.Row{types.Uint64(8), types.Float32(1.5), types.Float32s([]float32{1, 2})}
	ragged := types.Row{types.Uint64(7), types.Float32(1.5), types.Float32s([]float32{1, 2, 0})}

	if digestOf(a, b) != digestOf(a.Clone(), b.Clone()) {
		t.Error("equal rows hash differently")
	}
	if digestOf(a, b) == digestOf(b, a) {
		t.Error("row order is not part of the digest")
	}
	if digestOf(a) == digestOf(ragged) {
		t.Error("sequence length is not part of the digest")
	}
	// Same bits, different element type.
	if digestOf(types.Row{types.Uint32(1)}) == digestOf(types.Row{types.Int32(1)}) {
		t.Error("element type is not part of the digest")
	}

	var nilDigest *RowDigest
	nilDigest.Observe(a)
	if nilDigest.Sum() != "" || nilDigest.Rows() != 0 {
		t.Error("nil digest should be a no-op")
	}
}

func TestSidecar_SameContent(t *testing.T) {
	base := func() *Sidecar {
		return &Sidecar{
			OutputID:    "a",
			Fingerprint: "00000000deadbeef",
			Stats:       OutputStats{Rows: 3},
			Checksum:    "1111",
			ContentHash: "cafe",
		}
	}

	other := base()
	other.OutputID, other.Checksum = "b", "2222"
	if !base().SameContent(other) {
		t.Error("same rows under a new output id should match")
	}

	other = base()
	other.ContentHash = "beef"
	if base().SameContent(other) {
		t.Error("different rows matched")
	}

	other = base()
	other.Fingerprint = "0000000000000001"
	if base().SameContent(other) {
		t.Error("different schema matched")
	}

	// Without content hashes only the file checksum can tell.
	old, cur := base(), base()
	old.ContentHash, cur.ContentHash = "", ""
	if !old.SameContent(cur) {
		t.Error("equal checksums should match")
	}
	cur.Checksum = "2222"
	if old.SameContent(cur) {
		t.Error("different checksums matched")
	}
}

func TestIdempotencyKey_PrefersContentHash(t *testing.T) {
	a := &Sidecar{Catalog: "tauid", CatalogVersion: 1, Fingerprint: "f", Checksum: "1111", ContentHash: "cafe"}
	b := &Sidecar{Catalog: "tauid", CatalogVersion: 1, Fingerprint: "f", Checksum: "2222", ContentHash: "cafe"}
	if IdempotencyKey(a) != IdempotencyKey(b) {
		t.Errorf("keys differ: %s vs %s", IdempotencyKey(a), IdempotencyKey(b))
	}
	a.ContentHash = ""
	if IdempotencyKey(a) != "tauid/v1/f/1111" {
		t.Errorf("checksum fallback = %s", IdempotencyKey(a))
	}
}
