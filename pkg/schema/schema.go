package schema

import (
	"reflect"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	cache   = make(map[reflect.Type]*Schema)
	cacheMu sync.RWMutex
)

// Schema describes the parameters of a callable function, derived from a Go
// struct type.
type Schema struct {
	*jsonschema.Schema
	// Parameters is the inlined function parameters definition, with all
	// $defs references resolved.
	Parameters *jsonschema.Schema
}

// New creates a new schema from the given type.
func New(t reflect.Type) (*Schema, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if s, ok := cache[t]; ok {
		return s, nil
	}

	root := reflectType(t)
	s := &Schema{
		Schema:     root,
		Parameters: toFunctionSchema(root),
	}
	cache[t] = s

	return s, nil
}

// MustNew is like New but panics on reflection failure. Intended for
// package-level tool parameter definitions.
func MustNew(t reflect.Type) *Schema {
	s, err := New(t)
	if err != nil {
		panic(err)
	}
	return s
}

func reflectType(t reflect.Type) *jsonschema.Schema {
	r := new(jsonschema.Reflector)
	return r.ReflectFromType(t)
}

// toFunctionSchema inlines the root definition and its references so the
// result can be used directly as a function parameters object.
func toFunctionSchema(tSchema *jsonschema.Schema) *jsonschema.Schema {
	rootID := strings.TrimPrefix(tSchema.Ref, "#/$defs/")

	defs := make(map[string]*jsonschema.Schema)
	var root *jsonschema.Schema
	for name, def := range tSchema.Definitions {
		if name == rootID {
			root = def
		} else {
			defs[name] = def
		}
	}
	if root == nil {
		return tSchema
	}

	res := &jsonschema.Schema{
		Type:       root.Type,
		Properties: root.Properties,
		Required:   root.Required,
	}
	resolveRefs(res.Properties, defs)

	return res
}

func resolveRefs(props *orderedmap.OrderedMap[string, *jsonschema.Schema], defs map[string]*jsonschema.Schema) {
	if props == nil {
		return
	}
	for pair := props.Oldest(); pair != nil; pair = pair.Next() {
		child := pair.Value
		if child.Ref != "" {
			name := strings.TrimPrefix(child.Ref, "#/$defs/")
			if def, ok := defs[name]; ok {
				pair.Value = def
				child = def
			}
		}
		if child.Properties != nil {
			resolveRefs(child.Properties, defs)
		}
		if child.Items != nil && child.Items.Ref != "" {
			name := strings.TrimPrefix(child.Items.Ref, "#/$defs/")
			if def, ok := defs[name]; ok {
				child.Items = def
			}
		}
	}
}
