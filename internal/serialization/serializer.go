// Package serialization encodes task payloads for the durable stores. Each
// encoded payload carries a one-byte format prefix so stores can hold a mix
// of JSON and protobuf rows and switch formats without a migration.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/muaviaUsmani/planner/internal/task"
)

// PayloadFormat represents the serialization format used for a payload
type PayloadFormat byte

const (
	// FormatJSON represents JSON serialization (default)
	FormatJSON PayloadFormat = 0x00

	// FormatProtobuf represents a google.protobuf.Struct in wire format
	FormatProtobuf PayloadFormat = 0x01
)

// String returns the configuration name of the format
func (f PayloadFormat) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatProtobuf:
		return "protobuf"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(f))
	}
}

// ParseFormat converts a configuration value into a PayloadFormat
func ParseFormat(s string) (PayloadFormat, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "protobuf", "proto":
		return FormatProtobuf, nil
	default:
		return FormatJSON, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

var (
	// ErrUnknownFormat is returned when the payload format cannot be determined
	ErrUnknownFormat = errors.New("unknown payload format")

	// ErrMarshalFailed is returned when marshaling fails
	ErrMarshalFailed = errors.New("failed to marshal payload")

	// ErrUnmarshalFailed is returned when unmarshaling fails
	ErrUnmarshalFailed = errors.New("failed to unmarshal payload")
)

// Serializer handles payload serialization with format detection
type Serializer struct {
	// DefaultFormat is the format to use when serializing new payloads
	DefaultFormat PayloadFormat
}

// NewSerializer creates a new serializer with the specified default format
func NewSerializer(defaultFormat PayloadFormat) *Serializer {
	return &Serializer{DefaultFormat: defaultFormat}
}

// NewProtobufSerializer creates a serializer that defaults to protobuf format
func NewProtobufSerializer() *Serializer {
	return &Serializer{DefaultFormat: FormatProtobuf}
}

// NewJSONSerializer creates a serializer that defaults to JSON format
func NewJSONSerializer() *Serializer {
	return &Serializer{DefaultFormat: FormatJSON}
}

// EncodeData serializes a task payload in the default format.
// A nil payload encodes as an empty object.
func (s *Serializer) EncodeData(d task.Data) ([]byte, error) {
	if s.DefaultFormat != FormatProtobuf {
		if d == nil {
			d = task.Data{}
		}
		return s.MarshalWithFormat(d, FormatJSON)
	}

	// structpb only accepts JSON-shaped values, so typed slices and maps built
	// in Go are normalized through a JSON round trip first
	normalized, err := normalize(d)
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w (Protobuf): %v", ErrMarshalFailed, err)
	}
	return s.MarshalWithFormat(st, FormatProtobuf)
}

// DecodeData deserializes a payload written by EncodeData in any format
func (s *Serializer) DecodeData(data []byte) (task.Data, error) {
	format, payload, err := s.DetectFormat(data)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatProtobuf:
		var st structpb.Struct
		if err := s.UnmarshalWithFormat(payload, &st, format); err != nil {
			return nil, err
		}
		return task.Data(st.AsMap()), nil
	default:
		var d task.Data
		if err := s.UnmarshalWithFormat(payload, &d, format); err != nil {
			return nil, err
		}
		if d == nil {
			d = task.Data{}
		}
		return d, nil
	}
}

func normalize(d task.Data) (map[string]any, error) {
	out := map[string]any{}
	if d == nil {
		return out, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w (JSON): %v", ErrMarshalFailed, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w (JSON): %v", ErrMarshalFailed, err)
	}
	return out, nil
}

// MarshalWithFormat serializes a value using the specified format.
// Protobuf requires a proto.Message.
func (s *Serializer) MarshalWithFormat(v interface{}, format PayloadFormat) ([]byte, error) {
	var data []byte
	var err error

	switch format {
	case FormatJSON:
		data, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w (JSON): %v", ErrMarshalFailed, err)
		}

	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return nil, fmt.Errorf("%w: value does not implement proto.Message", ErrMarshalFailed)
		}

		data, err = proto.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("%w (Protobuf): %v", ErrMarshalFailed, err)
		}

	default:
		return nil, fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}

	// Prepend format byte
	result := make([]byte, len(data)+1)
	result[0] = byte(format)
	copy(result[1:], data)

	return result, nil
}

// UnmarshalWithFormat deserializes an unprefixed payload in the specified format
func (s *Serializer) UnmarshalWithFormat(data []byte, v interface{}, format PayloadFormat) error {
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w (JSON): %v", ErrUnmarshalFailed, err)
		}
		return nil

	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return fmt.Errorf("%w: value does not implement proto.Message", ErrUnmarshalFailed)
		}

		if err := proto.Unmarshal(data, msg); err != nil {
			return fmt.Errorf("%w (Protobuf): %v", ErrUnmarshalFailed, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}
}

// DetectFormat detects the serialization format of a payload.
// Returns the format and the payload without the format prefix.
func (s *Serializer) DetectFormat(data []byte) (PayloadFormat, []byte, error) {
	if len(data) == 0 {
		return FormatJSON, nil, fmt.Errorf("%w: empty payload", ErrUnknownFormat)
	}

	format := PayloadFormat(data[0])

	switch format {
	case FormatJSON:
		if len(data) < 2 {
			return format, nil, fmt.Errorf("%w: payload too short", ErrUnmarshalFailed)
		}
		return format, data[1:], nil

	case FormatProtobuf:
		// An empty Struct encodes to zero bytes
		return format, data[1:], nil

	default:
		// Rows written by hand or by older tools carry bare JSON
		if data[0] == '{' {
			return FormatJSON, data, nil
		}
		return FormatJSON, data, fmt.Errorf("%w: unknown format byte 0x%02X", ErrUnknownFormat, data[0])
	}
}

// IsProtobuf returns true if the data is in protobuf format
func (s *Serializer) IsProtobuf(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	return PayloadFormat(data[0]) == FormatProtobuf
}

// IsJSON returns true if the data is in JSON format, prefixed or bare
func (s *Serializer) IsJSON(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	return PayloadFormat(data[0]) == FormatJSON || data[0] == '{'
}
