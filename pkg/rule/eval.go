package rule

import (
	"fmt"
	"strings"
)

// Evaluate walks the tree against a request context and returns
// whether the rule matched. A missing field, a type mismatch between
// a context value and the field's declared type, or an internally
// malformed node (unknown kind/op, nil child) all surface as an
// error rather than a bool: the caller — not this function — decides
// whether that turns into "treat the experiment as not matched and
// log a warning", per the merge engine's contract.
func (n *Node) Evaluate(ctx map[string]interface{}, fieldTypes map[string]FieldType) (bool, error) {
	switch n.Kind {
	case KindAnd:
		if len(n.Children) == 0 {
			return false, fmt.Errorf("and node has no children")
		}
		for _, c := range n.Children {
			ok, err := c.Evaluate(ctx, fieldTypes)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case KindOr:
		if len(n.Children) == 0 {
			return false, fmt.Errorf("or node has no children")
		}
		for _, c := range n.Children {
			ok, err := c.Evaluate(ctx, fieldTypes)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case KindNot:
		if n.Child == nil {
			return false, fmt.Errorf("not node has no child")
		}
		ok, err := n.Child.Evaluate(ctx, fieldTypes)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case KindField:
		return n.evaluateField(ctx, fieldTypes)

	default:
		return false, fmt.Errorf("unknown node kind %q", n.Kind)
	}
}

func (n *Node) evaluateField(ctx map[string]interface{}, fieldTypes map[string]FieldType) (bool, error) {
	ft, ok := fieldTypes[n.Field]
	if !ok {
		return false, fmt.Errorf("field %q has no declared type", n.Field)
	}
	ctxVal, ok := ctx[n.Field]
	if !ok {
		return false, fmt.Errorf("field %q missing from context", n.Field)
	}
	if len(n.Values) == 0 {
		return false, fmt.Errorf("field %q operator %s has no values", n.Field, n.Op)
	}

	switch n.Op {
	case OpEq:
		return equal(ctxVal, n.Values[0], ft)

	case OpNeq:
		eq, err := equal(ctxVal, n.Values[0], ft)
		if err != nil {
			return false, err
		}
		return !eq, nil

	case OpGt:
		c, err := compare(ctxVal, n.Values[0], ft)
		if err != nil {
			return false, err
		}
		return c > 0, nil

	case OpGte:
		c, err := compare(ctxVal, n.Values[0], ft)
		if err != nil {
			return false, err
		}
		return c >= 0, nil

	case OpLt:
		c, err := compare(ctxVal, n.Values[0], ft)
		if err != nil {
			return false, err
		}
		return c < 0, nil

	case OpLte:
		c, err := compare(ctxVal, n.Values[0], ft)
		if err != nil {
			return false, err
		}
		return c <= 0, nil

	case OpIn:
		for _, v := range n.Values {
			eq, err := equal(ctxVal, v, ft)
			if err != nil {
				return false, err
			}
			if eq {
				return true, nil
			}
		}
		return false, nil

	case OpNotIn:
		for _, v := range n.Values {
			eq, err := equal(ctxVal, v, ft)
			if err != nil {
				return false, err
			}
			if eq {
				return false, nil
			}
		}
		return true, nil

	case OpLike:
		return matchLike(ctxVal, n.Values[0], ft)

	case OpNotLike:
		m, err := matchLike(ctxVal, n.Values[0], ft)
		if err != nil {
			return false, err
		}
		return !m, nil

	default:
		return false, fmt.Errorf("unsupported field operator %s", n.Op)
	}
}

// matchLike implements the wildcard shapes "prefix*", "*suffix",
// "prefix*suffix", "*contains*" and a bare "*", plus a plain-substring
// match when the pattern carries no "*" at all. Any other placement
// of "*" (e.g. "a*b*c", "a*b*") is rejected with an error: the
// operator is a coarse string prefilter, not a general glob engine.
func matchLike(ctxVal, pattern interface{}, ft FieldType) (bool, error) {
	if ft != FieldTypeString {
		return false, fmt.Errorf("like/not_like only supports string fields, got %s", ft)
	}
	s, ok := ctxVal.(string)
	if !ok {
		return false, fmt.Errorf("expected string context value, got %T", ctxVal)
	}
	p, ok := pattern.(string)
	if !ok {
		return false, fmt.Errorf("expected string pattern, got %T", pattern)
	}

	stars := strings.Count(p, "*")
	switch {
	case stars == 0:
		return strings.Contains(s, p), nil
	case stars == 2 && strings.HasPrefix(p, "*") && strings.HasSuffix(p, "*"):
		return strings.Contains(s, p[1:len(p)-1]), nil
	case stars == 1 && strings.HasSuffix(p, "*"):
		return strings.HasPrefix(s, p[:len(p)-1]), nil
	case stars == 1 && strings.HasPrefix(p, "*"):
		return strings.HasSuffix(s, p[1:]), nil
	case stars == 1:
		i := strings.Index(p, "*")
		prefix, suffix := p[:i], p[i+1:]
		return len(s) >= len(prefix)+len(suffix) && strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix), nil
	default:
		return false, fmt.Errorf("unsupported like pattern %q", p)
	}
}
