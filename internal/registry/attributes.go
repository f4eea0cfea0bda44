package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cast"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// Attribute is one name='value' pair on a script tag.
type Attribute struct {
	Name  string
	Value string
}

// Attributes are the extra attributes placed on a script tag, in the order
// their names were first set. Setting a name again replaces its value in
// place.
type Attributes []Attribute

// Attrs builds Attributes from alternating names and values. A trailing
// name without a value gets "".
func Attrs(pairs ...string) Attributes {
	var a Attributes
	for i := 0; i < len(pairs); i += 2 {
		value := ""
		if i+1 < len(pairs) {
			value = pairs[i+1]
		}
		a.Set(pairs[i], value)
	}
	return a
}

// AttributesFromMap converts m. Maps carry no order, so names are sorted.
func AttributesFromMap(m map[string]string) Attributes {
	if m == nil {
		return nil
	}
	a := make(Attributes, 0, len(m))
	for _, name := range slices.Sorted(maps.Keys(m)) {
		a = append(a, Attribute{Name: name, Value: m[name]})
	}
	return a
}

// Set assigns value to name, keeping the position of an existing name.
func (a *Attributes) Set(name, value string) {
	for i := range *a {
		if (*a)[i].Name == name {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Attribute{Name: name, Value: value})
}

// Get returns the value of name.
func (a Attributes) Get(name string) (string, bool) {
	for _, attr := range a {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return "", false
}

// Map returns the attributes as a map.
func (a Attributes) Map() map[string]string {
	m := make(map[string]string, len(a))
	for _, attr := range a {
		m[attr.Name] = attr.Value
	}
	return m
}

// MarshalJSON encodes the attributes as a JSON object in order.
func (a Attributes) MarshalJSON() ([]byte, error) {
	om := orderedmap.New[string, string]()
	for _, attr := range a {
		om.Set(attr.Name, attr.Value)
	}
	return json.Marshal(om)
}

// UnmarshalJSON decodes a JSON object, keeping its key order. Scalar
// values are converted to strings.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*a = nil
		return nil
	}
	om := orderedmap.New[string, any]()
	if err := json.Unmarshal(data, om); err != nil {
		return err
	}
	attrs := make(Attributes, 0, om.Len())
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		value, err := scalarString(pair.Value)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", pair.Key, err)
		}
		attrs.Set(pair.Key, value)
	}
	*a = attrs
	return nil
}

// MarshalYAML encodes the attributes as a YAML mapping in order.
func (a Attributes) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, attr := range a {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: attr.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: attr.Value},
		)
	}
	return node, nil
}

// UnmarshalYAML decodes a YAML mapping, keeping its key order. Scalars are
// taken as written, so `async: true` gives "true".
func (a *Attributes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*a = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: attributes must be a mapping", node.Line)
	}
	var attrs Attributes
	for i := 0; i+1 < len(node.Content); i += 2 {
		name, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: attribute %s must be a scalar", value.Line, name.Value)
		}
		text := value.Value
		if value.Tag == "!!null" {
			text = ""
		}
		attrs.Set(name.Value, text)
	}
	*a = attrs
	return nil
}

// UnmarshalTOML decodes a TOML table. Tables carry no order, so names are
// sorted. Scalars of any type are converted to strings, so `async = true`
// gives "true".
func (a *Attributes) UnmarshalTOML(data any) error {
	table, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("attributes must be a table, got %T", data)
	}
	attrs := make(Attributes, 0, len(table))
	for _, name := range slices.Sorted(maps.Keys(table)) {
		value, err := scalarString(table[name])
		if err != nil {
			return fmt.Errorf("attribute %s: %w", name, err)
		}
		attrs = append(attrs, Attribute{Name: name, Value: value})
	}
	*a = attrs
	return nil
}

// scalarString converts a decoded scalar to its string form. Nested
// structures are rejected.
func scalarString(v any) (string, error) {
	switch v.(type) {
	case map[string]any, []any, []map[string]any:
		return "", fmt.Errorf("expected a scalar, got %T", v)
	}
	return cast.ToStringE(v)
}
