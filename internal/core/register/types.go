// Package register federates unique and indexed account fields with the
// cluster's service-register. In DNS-less deployments a local port enforces
// uniqueness against the node's own platform table instead.
package register

import "context"

// FieldValue is one value of an indexed field as the register stores it.
type FieldValue struct {
	Value    interface{} `json:"value"`
	IsUnique bool        `json:"isUnique"`
	IsActive bool        `json:"isActive"`
	Creation bool        `json:"creation"`
}

// ValidateRequest asks the register whether a registration may proceed.
type ValidateRequest struct {
	Username        string            `json:"username"`
	InvitationToken string            `json:"invitationToken"`
	UniqueFields    map[string]string `json:"uniqueFields"`
	Core            string            `json:"core"`
}

// UpdateRequest carries indexed-field state for create and update; field
// deletions ride along in FieldsToDelete.
type UpdateRequest struct {
	Username       string                  `json:"username"`
	User           map[string][]FieldValue `json:"user"`
	FieldsToDelete map[string]string       `json:"fieldsToDelete,omitempty"`
}

// SubmittedValues flattens the request into field → value strings, the
// shape duplicate reports are sanitised against.
func (r UpdateRequest) SubmittedValues() map[string]string {
	out := make(map[string]string, len(r.User))
	for field, values := range r.User {
		for _, v := range values {
			if s, ok := v.Value.(string); ok {
				out[field] = s
			}
		}
	}
	return out
}

// Registry is the cluster-facing port.
type Registry interface {
	// ValidateUser checks username, invitation token and unique fields ahead
	// of registration. Collisions surface as *DuplicateFieldsError.
	ValidateUser(ctx context.Context, req ValidateRequest) error

	// CheckUsername reports whether the username is reserved cluster-wide.
	CheckUsername(ctx context.Context, username string) (reserved bool, err error)

	CreateUser(ctx context.Context, req UpdateRequest) error
	UpdateUser(ctx context.Context, req UpdateRequest) error

	// DeleteUser removes the user's register-side shadow; onlyReg leaves
	// everything else (local data) alone.
	DeleteUser(ctx context.Context, username string, onlyReg bool) error
}
