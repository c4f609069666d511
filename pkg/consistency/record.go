package consistency

import (
	"github.com/hyp3rd/coretex/internal/libs/serializer"
	"github.com/hyp3rd/coretex/internal/sentinel"
)

// record is the persisted form of a VersionedValue. The key is the storage key.
type record struct {
	Value   []byte            `codec:"v"   json:"v"   msgpack:"v"`
	Version uint64            `codec:"ver" json:"ver" msgpack:"ver"`
	Context map[string]uint64 `codec:"ctx" json:"ctx" msgpack:"ctx"`
	Deleted bool              `codec:"del" json:"del" msgpack:"del"`
	Origin  string            `codec:"org" json:"org" msgpack:"org"`
}

func encodeRecord(s serializer.ISerializer, v VersionedValue) ([]byte, error) {
	data, err := s.Marshal(&record{
		Value:   v.Value,
		Version: v.Version,
		Context: v.Context,
		Deleted: v.Deleted,
		Origin:  v.Origin,
	})
	if err != nil {
		return nil, sentinel.Classify(sentinel.ErrStorage, err, "encode record")
	}

	return data, nil
}

func decodeRecord(s serializer.ISerializer, key string, data []byte) (VersionedValue, error) {
	var r record

	err := s.Unmarshal(data, &r)
	if err != nil {
		return VersionedValue{}, sentinel.Classify(sentinel.ErrCorruptRecord, err, key)
	}

	return VersionedValue{
		Key:     key,
		Value:   r.Value,
		Version: r.Version,
		Context: Clock(r.Context).Clone(),
		Deleted: r.Deleted,
		Origin:  r.Origin,
	}, nil
}
