package bloom

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

const headerSize = 24

// Encoded is the JSON form of a filter stored in sidecars.
type Encoded struct {
	Algorithm string `json:"algorithm"`
	Column    string `json:"column"`
	NumBits   int    `json:"num_bits"`
	NumHashes int    `json:"num_hashes"`
	Count     uint64 `json:"count"`

	// Data is base64(header + snappy(bit array))
	Data string `json:"data"`
}

// MarshalBinary encodes the filter as a 24-byte header (numBits, numHashes,
// count; little-endian uint64) followed by the snappy-compressed bit array.
func (bf *BloomFilter) MarshalBinary() ([]byte, error) {
	raw := make([]byte, len(bf.bits)*8)
	for i, word := range bf.bits {
		binary.LittleEndian.PutUint64(raw[i*8:], word)
	}

	buf := make([]byte, headerSize, headerSize+snappy.MaxEncodedLen(len(raw)))
	binary.LittleEndian.PutUint64(buf[0:8], bf.numBits)
	binary.LittleEndian.PutUint64(buf[8:16], bf.numHashes)
	binary.LittleEndian.PutUint64(buf[16:24], bf.count)
	return append(buf, snappy.Encode(nil, raw)...), nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (bf *BloomFilter) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return errors.New("bloom: serialized data too short")
	}
	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint64(data[16:24])
	if numBits == 0 || numBits%64 != 0 || numHashes == 0 {
		return fmt.Errorf("bloom: invalid parameters bits=%d hashes=%d", numBits, numHashes)
	}

	raw, err := snappy.Decode(nil, data[headerSize:])
	if err != nil {
		return fmt.Errorf("bloom: snappy decompress failed: %w", err)
	}
	numWords := numBits / 64
	if uint64(len(raw)) != numWords*8 {
		return fmt.Errorf("bloom: expected %d bytes of bits, got %d", numWords*8, len(raw))
	}

	bits := make([]uint64, numWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	bf.bits, bf.numBits, bf.numHashes, bf.count = bits, numBits, numHashes, count
	return nil
}

// Encode returns the sidecar form of the filter for the given column.
func (bf *BloomFilter) Encode(column string) (*Encoded, error) {
	data, err := bf.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Encoded{
		Algorithm: Algorithm,
		Column:    column,
		NumBits:   bf.NumBits(),
		NumHashes: bf.NumHashes(),
		Count:     bf.count,
		Data:      base64.StdEncoding.EncodeToString(data),
	}, nil
}

// Decode reconstructs a filter from its sidecar form.
func Decode(e *Encoded) (*BloomFilter, error) {
	if e == nil {
		return nil, errors.New("bloom: nil encoded filter")
	}
	if e.Algorithm != Algorithm {
		return nil, fmt.Errorf("bloom: unsupported algorithm %q", e.Algorithm)
	}
	data, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("bloom: invalid base64 data: %w", err)
	}
	bf := &BloomFilter{}
	if err := bf.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return bf, nil
}
