// Package codec provides bus.Serializer implementations beyond the default
// JSON one.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"

	"github.com/infigaming-com/go-servicebus/bus"
)

const (
	ContentTypeCBOR     = "application/cbor"
	ContentTypeMsgPack  = "application/msgpack"
	ContentTypeProtobuf = "application/x-protobuf"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor encoder mode: %v", err))
	}
	cborDec, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor decoder mode: %v", err))
	}
}

// CBOR encodes bodies as canonical CBOR.
type CBOR struct{}

var _ bus.Serializer = CBOR{}

func (CBOR) Create() bus.Serializer { return CBOR{} }
func (CBOR) ContentType() string    { return ContentTypeCBOR }

func (CBOR) Serialize(v any) (io.Reader, error) {
	data, err := cborEnc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: cbor encode: %w", err)
	}
	return bytes.NewReader(data), nil
}

func (CBOR) Deserialize(r io.Reader, into any) error {
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return err
	}
	if err := cborDec.Unmarshal(data, into); err != nil {
		return fmt.Errorf("codec: cbor decode: %w", err)
	}
	return nil
}

// MsgPack encodes bodies as MessagePack. Struct fields use their json tags
// so the same types serialize under both codecs.
type MsgPack struct{}

var _ bus.Serializer = MsgPack{}

func (MsgPack) Create() bus.Serializer { return MsgPack{} }
func (MsgPack) ContentType() string    { return ContentTypeMsgPack }

func (MsgPack) Serialize(v any) (io.Reader, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: msgpack encode: %w", err)
	}
	return &buf, nil
}

func (MsgPack) Deserialize(r io.Reader, into any) error {
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return err
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("codec: msgpack decode: %w", err)
	}
	return nil
}

// Protobuf encodes bodies in the protobuf wire format. Payloads must be
// proto.Message values; handlers declared on a message pointer type such
// as Handler[*pb.Order] decode into a freshly allocated message.
type Protobuf struct{}

var _ bus.Serializer = Protobuf{}

var errNotProto = errors.New("codec: value is not a proto.Message")

func (Protobuf) Create() bus.Serializer { return Protobuf{} }
func (Protobuf) ContentType() string    { return ContentTypeProtobuf }

func (Protobuf) Serialize(v any) (io.Reader, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", errNotProto, v)
	}
	data, err := proto.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("codec: protobuf encode: %w", err)
	}
	return bytes.NewReader(data), nil
}

func (Protobuf) Deserialize(r io.Reader, into any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m, err := protoTarget(into)
	if err != nil {
		return err
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return fmt.Errorf("codec: protobuf decode: %w", err)
	}
	return nil
}

// protoTarget accepts a proto.Message or a pointer to a nil message pointer,
// which it fills with a new message.
func protoTarget(into any) (proto.Message, error) {
	if m, ok := into.(proto.Message); ok {
		return m, nil
	}
	rv := reflect.ValueOf(into)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, fmt.Errorf("%w: %T", errNotProto, into)
	}
	elem := rv.Elem()
	if elem.Kind() != reflect.Pointer || !elem.Type().Implements(reflect.TypeFor[proto.Message]()) {
		return nil, fmt.Errorf("%w: %T", errNotProto, into)
	}
	if elem.IsNil() {
		elem.Set(reflect.New(elem.Type().Elem()))
	}
	return elem.Interface().(proto.Message), nil
}

// ByContentType returns the serializer for a Content-Type property value,
// or nil when the value is unknown. It is a bus.SerializerResolver.
func ByContentType(contentType string) bus.Serializer {
	switch contentType {
	case bus.JSONSerializer{}.ContentType():
		return bus.JSONSerializer{}
	case ContentTypeCBOR:
		return CBOR{}
	case ContentTypeMsgPack:
		return MsgPack{}
	case ContentTypeProtobuf:
		return Protobuf{}
	default:
		return nil
	}
}

var _ bus.SerializerResolver = ByContentType

// ByName maps a configuration name (json, cbor, msgpack, protobuf) to a
// serializer.
func ByName(name string) (bus.Serializer, error) {
	switch name {
	case "", "json":
		return bus.JSONSerializer{}, nil
	case "cbor":
		return CBOR{}, nil
	case "msgpack":
		return MsgPack{}, nil
	case "protobuf", "proto":
		return Protobuf{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown serializer %q", name)
	}
}
