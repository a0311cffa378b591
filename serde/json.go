package serde

import (
	"encoding/json"
	"reflect"
)

// JSONSerializer encodes values as JSON, tagging registered types by name.
type JSONSerializer struct {
	registry *TypeRegistry
}

var _ Serializer = (*JSONSerializer)(nil)
var _ Registerer = (*JSONSerializer)(nil)

// NewJSONSerializer creates a serializer over registry. A nil registry uses
// the global one.
func NewJSONSerializer(registry *TypeRegistry) *JSONSerializer {
	if registry == nil {
		registry = globalTypeRegistry
	}
	return &JSONSerializer{registry: registry}
}

// DefaultSerializer returns a JSONSerializer over the global registry.
func DefaultSerializer() *JSONSerializer {
	return NewJSONSerializer(nil)
}

// Registry returns the registry the serializer resolves type names with.
func (s *JSONSerializer) Registry() *TypeRegistry {
	return s.registry
}

// RegisterType implements Registerer.
func (s *JSONSerializer) RegisterType(t reflect.Type, typeName string) error {
	return s.registry.Register(t, typeName)
}

// DumpsTyped implements Serializer.
func (s *JSONSerializer) DumpsTyped(v any) (string, []byte, error) {
	switch val := v.(type) {
	case nil:
		return TypeNull, nil, nil
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return TypeBytes, out, nil
	}

	if tag, ok := scalarTag(v); ok {
		data, err := json.Marshal(v)
		if err != nil {
			return "", nil, err
		}
		return tag, data, nil
	}

	name, data, ok, err := s.registry.encode(v)
	if err != nil {
		return "", nil, err
	}
	if ok {
		return name, data, nil
	}

	data, err = json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return TypeJSON, data, nil
}

// LoadsTyped implements Serializer.
func (s *JSONSerializer) LoadsTyped(typ string, data []byte) (any, error) {
	switch typ {
	case TypeNull:
		return nil, nil
	case TypeBytes:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case TypeJSON:
		var result any
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, err
		}
		return result, nil
	}
	if t, ok := scalarTypes[typ]; ok {
		ptr := reflect.New(t)
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, err
		}
		return ptr.Elem().Interface(), nil
	}
	return s.registry.decode(typ, data)
}
