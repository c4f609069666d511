package serializer

import (
	"github.com/golang/snappy"
	"github.com/hyp3rd/ewrap"
)

// SnappySerializer block-compresses the output of Inner with snappy.
type SnappySerializer struct {
	Inner ISerializer
}

// Marshal serializes v with Inner and compresses the result.
func (s *SnappySerializer) Marshal(v any) ([]byte, error) {
	raw, err := s.Inner.Marshal(v)
	if err != nil {
		return nil, err
	}

	return snappy.Encode(nil, raw), nil
}

// Unmarshal decompresses data and hands it to Inner.
func (s *SnappySerializer) Unmarshal(data []byte, v any) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return ewrap.Wrap(err, "failed to decompress snappy block")
	}

	return s.Inner.Unmarshal(raw, v)
}
