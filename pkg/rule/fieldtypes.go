package rule

import (
	"fmt"
	"sync/atomic"
)

// FieldTypeStore holds the process-wide field_types map: "replaceable
// at runtime by an external admin operation; requests see a
// consistent snapshot" (the merge engine reads one Get() result for
// the whole request rather than re-reading per rule node). Swapped
// wholesale on Set, mirroring configapply.Applier's atomic-pointer
// catalog swap.
type FieldTypeStore struct {
	m atomic.Pointer[map[string]FieldType]
}

// NewFieldTypeStore creates a store seeded with initial.
func NewFieldTypeStore(initial map[string]FieldType) *FieldTypeStore {
	s := &FieldTypeStore{}
	s.Set(initial)
	return s
}

// Get returns the current field_types snapshot.
func (s *FieldTypeStore) Get() map[string]FieldType {
	if m := s.m.Load(); m != nil {
		return *m
	}
	return map[string]FieldType{}
}

// Set replaces the field_types map wholesale.
func (s *FieldTypeStore) Set(m map[string]FieldType) {
	if m == nil {
		m = map[string]FieldType{}
	}
	cp := make(map[string]FieldType, len(m))
	for k, v := range m {
		cp[k] = v
	}
	s.m.Store(&cp)
}

// ValidateFieldTypes rejects a field_types map containing any value
// outside the five supported FieldType constants.
func ValidateFieldTypes(m map[string]FieldType) error {
	for field, ft := range m {
		switch ft {
		case FieldTypeString, FieldTypeInt, FieldTypeFloat, FieldTypeBool, FieldTypeSemVer:
		default:
			return fmt.Errorf("field %q: unknown field type %q", field, ft)
		}
	}
	return nil
}
