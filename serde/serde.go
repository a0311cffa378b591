// Package serde converts checkpoint payloads, metadata and pending-write values
// to and from opaque bytes.
//
// Every encoding carries a type tag next to the bytes, in the manner of
// "dumps_typed": stores persist both and hand them back unchanged, so a value
// decodes as the same Go type it was written as whenever that type has been
// registered.
//
//	type ChatState struct {
//		Messages []string `json:"messages"`
//	}
//
//	_ = serde.RegisterType(ChatState{}, "ChatState")
//
//	s := serde.DefaultSerializer()
//	typ, data, _ := s.DumpsTyped(ChatState{Messages: []string{"hi"}})
//	v, _ := s.LoadsTyped(typ, data) // v is a ChatState
package serde

import (
	"reflect"
	"strings"
)

// Built-in type tags. Predeclared numeric types are tagged with their Go name
// ("int", "uint8", "float64" and so on) so they decode as the same type.
const (
	TypeNull  = "null"
	TypeBytes = "bytes"
	TypeJSON  = "json"
)

// Serializer encodes arbitrary values into a type tag plus bytes.
// Implementations must be safe for concurrent use.
type Serializer interface {
	DumpsTyped(v any) (string, []byte, error)
	LoadsTyped(typ string, data []byte) (any, error)
}

// Registerer is implemented by serializers that accept type registrations.
type Registerer interface {
	RegisterType(t reflect.Type, typeName string) error
}

// scalarTypes maps the tags of predeclared numeric types to their type. JSON
// alone would hand every number back as float64.
var scalarTypes = map[string]reflect.Type{}

func init() {
	for _, t := range []reflect.Type{
		reflect.TypeFor[int](), reflect.TypeFor[int8](), reflect.TypeFor[int16](),
		reflect.TypeFor[int32](), reflect.TypeFor[int64](),
		reflect.TypeFor[uint](), reflect.TypeFor[uint8](), reflect.TypeFor[uint16](),
		reflect.TypeFor[uint32](), reflect.TypeFor[uint64](),
		reflect.TypeFor[float32](), reflect.TypeFor[float64](),
	} {
		scalarTypes[t.String()] = t
	}
}

// scalarTag returns the tag for v when v is a predeclared numeric type.
// Named numeric types are not included.
func scalarTag(v any) (string, bool) {
	t := reflect.TypeOf(v)
	if t == nil || t.PkgPath() != "" {
		return "", false
	}
	if scalarTypes[t.String()] != t {
		return "", false
	}
	return t.String(), true
}

func isReservedType(name string) bool {
	switch name {
	case TypeNull, TypeBytes, TypeJSON:
		return true
	}
	if _, ok := scalarTypes[name]; ok {
		return true
	}
	return strings.Contains(name, "+")
}
