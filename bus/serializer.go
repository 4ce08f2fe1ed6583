package bus

import (
	"bytes"
	"encoding/json"
	"io"
)

// Serializer encodes and decodes message bodies. Create returns a fresh
// instance for one message; instances need not be safe for concurrent use.
type Serializer interface {
	Create() Serializer
	Serialize(v any) (io.Reader, error)
	Deserialize(r io.Reader, into any) error
	ContentType() string
}

// SerializerResolver maps a Content-Type property value to a serializer.
// It returns nil for content types it does not know.
type SerializerResolver func(contentType string) Serializer

// JSONSerializer is the default body serializer.
type JSONSerializer struct{}

func (JSONSerializer) Create() Serializer { return JSONSerializer{} }

func (JSONSerializer) ContentType() string { return "application/json" }

func (JSONSerializer) Serialize(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func (JSONSerializer) Deserialize(r io.Reader, into any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, into)
}
