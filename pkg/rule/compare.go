package rule

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// coerce converts an arbitrary decoded-JSON value (string, bool,
// float64, json.Number, or already-typed int64/decimal.Decimal from a
// programmatic FieldNode call) into the representation Compare expects
// for the given field type. It is the single place that decides
// whether a context value or a rule literal "matches" a FieldType.
func coerce(v interface{}, ft FieldType) (interface{}, error) {
	switch ft {
	case FieldTypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil

	case FieldTypeInt:
		i, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %v (%T)", v, v)
		}
		return i, nil

	case FieldTypeFloat:
		d, ok := toDecimal(v)
		if !ok {
			return nil, fmt.Errorf("expected number, got %v (%T)", v, v)
		}
		return d, nil

	case FieldTypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil

	case FieldTypeSemVer:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected semver string, got %T", v)
		}
		sv, err := parseSemVer(s)
		if err != nil {
			return nil, err
		}
		return sv, nil

	default:
		return nil, fmt.Errorf("unknown field type %q", ft)
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case float64:
		if t == float64(int64(t)) {
			return int64(t), true
		}
		return 0, false
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case float64:
		return decimal.NewFromFloat(t), true
	case float32:
		return decimal.NewFromFloat32(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	default:
		return decimal.Decimal{}, false
	}
}

// compare returns -1/0/1 the way sort comparators do, or an error if
// the values don't coerce to the field's type.
func compare(left, right interface{}, ft FieldType) (int, error) {
	lc, err := coerce(left, ft)
	if err != nil {
		return 0, fmt.Errorf("left operand: %w", err)
	}
	rc, err := coerce(right, ft)
	if err != nil {
		return 0, fmt.Errorf("right operand: %w", err)
	}

	switch ft {
	case FieldTypeString:
		return strings.Compare(lc.(string), rc.(string)), nil
	case FieldTypeInt:
		li, ri := lc.(int64), rc.(int64)
		switch {
		case li < ri:
			return -1, nil
		case li > ri:
			return 1, nil
		default:
			return 0, nil
		}
	case FieldTypeFloat:
		return lc.(decimal.Decimal).Cmp(rc.(decimal.Decimal)), nil
	case FieldTypeBool:
		lb, rb := lc.(bool), rc.(bool)
		if lb == rb {
			return 0, nil
		}
		if !lb && rb {
			return -1, nil // false < true
		}
		return 1, nil
	case FieldTypeSemVer:
		return lc.(semVer).compare(rc.(semVer)), nil
	default:
		return 0, fmt.Errorf("unknown field type %q", ft)
	}
}

func equal(left, right interface{}, ft FieldType) (bool, error) {
	c, err := compare(left, right, ft)
	if err != nil {
		return false, err
	}
	return c == 0, nil
}
