package objectdb

import "errors"

var (
	errEncodeType = errors.New("objectdb: RawCodec.Encode requires a []byte or string")
	errDecodeType = errors.New("objectdb: RawCodec.Decode requires a *[]byte or *string")
)

// Codec translates between user objects and the opaque bytes a Store
// persists. The core treats decoded values as opaque: it never
// inspects them except through an Index's Extract function. Codecs are
// deliberately not coupled to any serialization library — callers inject
// whatever they use (encoding/json, gob, protobuf, ...).
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// RawCodec is the identity codec: Encode requires v to be a []byte or a
// string, and Decode requires v to be a *[]byte or a *string. It's the
// default when ObjectStoreOptions.Codec is
// nil.
type RawCodec struct{}

func (RawCodec) Encode(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return nil, errEncodeType
}

func (RawCodec) Decode(data []byte, v any) error {
	switch p := v.(type) {
	case *[]byte:
		*p = append([]byte(nil), data...)
		return nil
	case *string:
		*p = string(data)
		return nil
	default:
		return errDecodeType
	}
}
