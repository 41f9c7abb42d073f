package rule

import "fmt"

// Validate walks the tree against field_types and rejects: unknown
// fields, type mismatches between Values and the declared field type,
// empty Values, boolean tokens on Field nodes, and empty And/Or.
// Validation is optional at evaluation time (spec §4.2) but must be
// callable for administrative checks before a rule is accepted.
func (n *Node) Validate(fieldTypes map[string]FieldType) error {
	switch n.Kind {
	case KindAnd:
		if len(n.Children) == 0 {
			return fmt.Errorf("and node must have at least one child")
		}
		for _, c := range n.Children {
			if err := c.Validate(fieldTypes); err != nil {
				return err
			}
		}
		return nil

	case KindOr:
		if len(n.Children) == 0 {
			return fmt.Errorf("or node must have at least one child")
		}
		for _, c := range n.Children {
			if err := c.Validate(fieldTypes); err != nil {
				return err
			}
		}
		return nil

	case KindNot:
		if n.Child == nil {
			return fmt.Errorf("not node requires a child")
		}
		return n.Child.Validate(fieldTypes)

	case KindField:
		ft, ok := fieldTypes[n.Field]
		if !ok {
			return fmt.Errorf("field %q not found in field type map", n.Field)
		}
		if len(n.Values) == 0 {
			return fmt.Errorf("field %q operator %s requires at least one value", n.Field, n.Op)
		}
		switch n.Op {
		case opAnd, opOr, opNot:
			return fmt.Errorf("boolean operator %s cannot be used in a field node", n.Op)
		}
		if isSingleValueOp(n.Op) && len(n.Values) != 1 {
			return fmt.Errorf("operator %s requires exactly one value", n.Op)
		}
		for _, v := range n.Values {
			if err := validateValueType(v, ft); err != nil {
				return fmt.Errorf("field %q: %w", n.Field, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown node kind %q", n.Kind)
	}
}

func isSingleValueOp(op Op) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpLike, OpNotLike:
		return true
	default:
		return false
	}
}

func validateValueType(v interface{}, ft FieldType) error {
	_, err := coerce(v, ft)
	return err
}
