// Package rule implements the typed boolean-expression evaluator that
// gates experiment variants. The operator set is closed by design
// (spec note: "do not over-engineer with an extensible expression
// plugin system") — this package is not meant to grow a fifth node
// kind.
package rule

import (
	"bytes"
	"encoding/json"
)

// FieldType governs comparison semantics for a context field.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeInt    FieldType = "int"
	FieldTypeFloat  FieldType = "float"
	FieldTypeBool   FieldType = "bool"
	FieldTypeSemVer FieldType = "semver"
)

// Op is a leaf comparison/set/string operator. The boolean tokens
// AND/OR/NOT exist only so that a malformed payload naming one on a
// Field node can be rejected by name in error messages; they are never
// valid on a Field node.
type Op string

const (
	OpEq      Op = "eq"
	OpNeq     Op = "neq"
	OpGt      Op = "gt"
	OpGte     Op = "gte"
	OpLt      Op = "lt"
	OpLte     Op = "lte"
	OpIn      Op = "in"
	OpNotIn   Op = "not_in"
	OpLike    Op = "like"
	OpNotLike Op = "not_like"
	opAnd     Op = "and"
	opOr      Op = "or"
	opNot     Op = "not"
)

// Kind discriminates the four Node shapes.
type Kind string

const (
	KindAnd   Kind = "and"
	KindOr    Kind = "or"
	KindNot   Kind = "not"
	KindField Kind = "field"
)

// Node is a boolean expression tree node. Exactly one of the fields
// below is meaningful, selected by Kind: Children for And/Or, Child
// for Not, Field/Op/Values for Field.
type Node struct {
	Kind Kind `json:"type" yaml:"type"`

	Children []*Node `json:"children,omitempty" yaml:"children,omitempty"`
	Child    *Node   `json:"child,omitempty" yaml:"child,omitempty"`

	Field  string        `json:"field,omitempty" yaml:"field,omitempty"`
	Op     Op            `json:"op,omitempty" yaml:"op,omitempty"`
	Values []interface{} `json:"values,omitempty" yaml:"values,omitempty"`
}

// And builds an And node.
func And(children ...*Node) *Node { return &Node{Kind: KindAnd, Children: children} }

// Or builds an Or node.
func Or(children ...*Node) *Node { return &Node{Kind: KindOr, Children: children} }

// NotNode builds a Not node.
func NotNode(child *Node) *Node { return &Node{Kind: KindNot, Child: child} }

// FieldNode builds a leaf Field node.
func FieldNode(field string, op Op, values ...interface{}) *Node {
	return &Node{Kind: KindField, Field: field, Op: op, Values: values}
}

// UnmarshalJSON decodes the values array with json.Number preserved,
// so Int/Float comparisons downstream see numbers, not float64-lossy
// interface{} values, even for large integers.
func (n *Node) UnmarshalJSON(data []byte) error {
	type alias Node
	aux := &struct {
		Values []json.RawMessage `json:"values,omitempty"`
		*alias
	}{alias: (*alias)(n)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if aux.Values != nil {
		n.Values = make([]interface{}, len(aux.Values))
		for i, raw := range aux.Values {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			var v interface{}
			if err := dec.Decode(&v); err != nil {
				return err
			}
			n.Values[i] = v
		}
	}
	return nil
}
