// Package rbac authorizes the admin surface (§6: layer CRUD,
// rollback_layer, set_field_types) with a Casbin role-based policy.
// It is never consulted on the /v1/evaluate hot path. The object
// model has no org/project/env hierarchy — this engine has one global
// layer/catalog scope — so every object collapses to one of two
// types: "layer" (optionally scoped to a layer_id) and "field_types".
package rbac

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// RBAC wraps a Casbin enforcer configured with this engine's fixed
// role hierarchy.
type RBAC struct {
	enforcer *casbin.Enforcer
}

// Subject is an entity that can perform an admin action: an operator
// user or a service-to-service token.
type Subject struct {
	ID   string
	Type string // "operator", "service"
}

// Object is a resource an admin action targets. ID is the layer_id
// for Type "layer", empty/ignored for Type "field_types".
type Object struct {
	Type string // "layer", "field_types"
	ID   string
}

// Action is an admin operation.
type Action string

const (
	ActionRead     Action = "read"
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionRollback Action = "rollback"
)

// Role is a fixed role in the admin surface's role hierarchy.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// New creates an RBAC instance with this engine's default policy set
// already loaded.
func New() (*RBAC, error) {
	modelText := `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (g(r.sub, p.sub) || keyMatch2(r.sub, p.sub)) && keyMatch2(r.obj, p.obj) && regexMatch(r.act, p.act)
`

	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}

	r := &RBAC{enforcer: enforcer}
	if err := r.loadDefaultPolicies(); err != nil {
		return nil, fmt.Errorf("failed to load default policies: %w", err)
	}
	return r, nil
}

// loadDefaultPolicies wires the four fixed roles to the two object
// types this engine actually has.
func (r *RBAC) loadDefaultPolicies() error {
	policies := [][]string{
		{"role:owner", "layer:*", "read|create|update|delete|rollback"},
		{"role:owner", "field_types", "read|create|update|delete"},

		{"role:admin", "layer:*", "read|create|update|delete|rollback"},
		{"role:admin", "field_types", "read|create|update|delete"},

		{"role:editor", "layer:*", "read|create|update|rollback"},
		{"role:editor", "field_types", "read|update"},

		{"role:viewer", "layer:*", "read"},
		{"role:viewer", "field_types", "read"},

		// Service tokens (deploy pipelines calling rollback_layer, e.g.)
		// get full access — the same "internal service" carve-out the
		// teacher's org/project model gave TokenTypeService.
		{"service:*", "*:*", "read|create|update|delete|rollback"},
	}

	for _, policy := range policies {
		if _, err := r.enforcer.AddPolicy(policy); err != nil {
			return fmt.Errorf("failed to add policy %v: %w", policy, err)
		}
	}
	return nil
}

// Enforce checks whether subject may perform action on object.
func (r *RBAC) Enforce(subject Subject, object Object, action Action) (bool, error) {
	allowed, err := r.enforcer.Enforce(r.formatSubject(subject), r.formatObject(object), string(action))
	if err != nil {
		return false, fmt.Errorf("enforcement error: %w", err)
	}
	return allowed, nil
}

// AssignRole grants role to subject.
func (r *RBAC) AssignRole(subject Subject, role Role) error {
	if _, err := r.enforcer.AddRoleForUser(r.formatSubject(subject), r.formatRole(role)); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RemoveRole revokes role from subject.
func (r *RBAC) RemoveRole(subject Subject, role Role) error {
	if _, err := r.enforcer.DeleteRoleForUser(r.formatSubject(subject), r.formatRole(role)); err != nil {
		return fmt.Errorf("failed to remove role: %w", err)
	}
	return nil
}

// GetRolesForSubject lists every role held by subject.
func (r *RBAC) GetRolesForSubject(subject Subject) ([]string, error) {
	roles, err := r.enforcer.GetRolesForUser(r.formatSubject(subject))
	if err != nil {
		return nil, fmt.Errorf("failed to get roles: %w", err)
	}
	return roles, nil
}

// HasRole reports whether subject currently holds role.
func (r *RBAC) HasRole(subject Subject, role Role) (bool, error) {
	has, err := r.enforcer.HasRoleForUser(r.formatSubject(subject), r.formatRole(role))
	if err != nil {
		return false, fmt.Errorf("failed to check role: %w", err)
	}
	return has, nil
}

// CanAccessLayer is a convenience wrapper around Enforce for the
// common "can this subject act on this layer" check.
func (r *RBAC) CanAccessLayer(subjectType, subjectID, layerID string, action Action) (bool, error) {
	return r.Enforce(Subject{Type: subjectType, ID: subjectID}, Object{Type: "layer", ID: layerID}, action)
}

// CanAccessFieldTypes is a convenience wrapper around Enforce for the
// set_field_types operation.
func (r *RBAC) CanAccessFieldTypes(subjectType, subjectID string, action Action) (bool, error) {
	return r.Enforce(Subject{Type: subjectType, ID: subjectID}, Object{Type: "field_types"}, action)
}

func (r *RBAC) formatSubject(subject Subject) string {
	return fmt.Sprintf("%s:%s", subject.Type, subject.ID)
}

func (r *RBAC) formatObject(object Object) string {
	if object.ID == "" {
		return object.Type
	}
	return strings.Join([]string{object.Type, object.ID}, ":")
}

func (r *RBAC) formatRole(role Role) string {
	return fmt.Sprintf("role:%s", string(role))
}

// ValidateRole reports whether role is one of the fixed roles.
func ValidateRole(role string) bool {
	switch Role(role) {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer:
		return true
	default:
		return false
	}
}

// ValidateAction reports whether action is a recognized admin action.
func ValidateAction(action string) bool {
	switch Action(action) {
	case ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionRollback:
		return true
	default:
		return false
	}
}
