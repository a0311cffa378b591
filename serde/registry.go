package serde

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// TypeRegistry maps Go types to stable names so that typed values survive a
// round trip through the serializer as themselves rather than as generic maps.
type TypeRegistry struct {
	mu                sync.RWMutex
	typeNameToType    map[string]reflect.Type
	typeToName        map[reflect.Type]string
	jsonMarshallers   map[reflect.Type]func(any) ([]byte, error)
	jsonUnmarshallers map[reflect.Type]func([]byte) (any, error)
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		typeNameToType:    make(map[string]reflect.Type),
		typeToName:        make(map[reflect.Type]string),
		jsonMarshallers:   make(map[reflect.Type]func(any) ([]byte, error)),
		jsonUnmarshallers: make(map[reflect.Type]func([]byte) (any, error)),
	}
}

var globalTypeRegistry = NewTypeRegistry()

// GlobalTypeRegistry returns the registry used by DefaultSerializer.
func GlobalTypeRegistry() *TypeRegistry {
	return globalTypeRegistry
}

// RegisterType registers the type of value under typeName in the global registry.
//
// Example usage:
//
//	var state MyState
//	serde.RegisterType(state, "MyState")
func RegisterType(value any, typeName string) error {
	return globalTypeRegistry.Register(reflect.TypeOf(value), typeName)
}

// Register adds t under typeName. Only structs and pointers to structs are accepted.
// Registering the same type twice under the same name is a no-op.
func (r *TypeRegistry) Register(t reflect.Type, typeName string) error {
	if t == nil {
		return fmt.Errorf("cannot register nil type as %s", typeName)
	}
	if typeName == "" || isReservedType(typeName) {
		return fmt.Errorf("invalid type name %q for %s", typeName, t)
	}
	if t.Kind() != reflect.Struct {
		if t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
			return fmt.Errorf("type %s must be a struct or pointer to struct", t)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existingName, ok := r.typeToName[t]; ok && existingName != typeName {
		return fmt.Errorf("type %v already registered as %s", t, existingName)
	}
	if existing, ok := r.typeNameToType[typeName]; ok && existing != t {
		return fmt.Errorf("name %s already registered for %v", typeName, existing)
	}

	r.typeNameToType[typeName] = t
	r.typeToName[t] = typeName
	return nil
}

// RegisterWithCustomSerialization registers t with its own encode and decode functions.
//
// Example usage:
//
//	registry.RegisterWithCustomSerialization(
//		reflect.TypeOf(state),
//		"MyState",
//		func(v any) ([]byte, error) { ... },
//		func(data []byte) (any, error) { ... },
//	)
func (r *TypeRegistry) RegisterWithCustomSerialization(
	t reflect.Type,
	typeName string,
	marshalFunc func(any) ([]byte, error),
	unmarshalFunc func([]byte) (any, error),
) error {
	if err := r.Register(t, typeName); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.jsonMarshallers[t] = marshalFunc
	r.jsonUnmarshallers[t] = unmarshalFunc
	return nil
}

// TypeByName returns the type registered under typeName.
func (r *TypeRegistry) TypeByName(typeName string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.typeNameToType[typeName]
	return t, ok
}

// TypeName returns the name t is registered under.
func (r *TypeRegistry) TypeName(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.typeToName[t]
	return name, ok
}

// encode marshals a registered value. ok is false when value's type is unknown.
func (r *TypeRegistry) encode(value any) (name string, data []byte, ok bool, err error) {
	t := reflect.TypeOf(value)

	r.mu.RLock()
	name, ok = r.typeToName[t]
	marshalFunc, custom := r.jsonMarshallers[t]
	r.mu.RUnlock()

	if !ok {
		return "", nil, false, nil
	}
	if custom {
		data, err = marshalFunc(value)
	} else {
		data, err = json.Marshal(value)
	}
	return name, data, true, err
}

// decode rebuilds a value registered under typeName.
func (r *TypeRegistry) decode(typeName string, data []byte) (any, error) {
	r.mu.RLock()
	t, ok := r.typeNameToType[typeName]
	unmarshalFunc, custom := r.jsonUnmarshallers[t]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown type: %s", typeName)
	}
	if custom {
		return unmarshalFunc(data)
	}

	if t.Kind() == reflect.Ptr {
		instance := reflect.New(t.Elem())
		if err := json.Unmarshal(data, instance.Interface()); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", typeName, err)
		}
		return instance.Interface(), nil
	}

	instance := reflect.New(t)
	if err := json.Unmarshal(data, instance.Interface()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", typeName, err)
	}
	return instance.Elem().Interface(), nil
}
