package register

import (
	"context"
	"errors"
)

// ErrValueTaken is returned by UniquenessStore implementations on a local
// uniqueness collision.
var ErrValueTaken = errors.New("value already taken")

// UniquenessStore holds this node's claimed unique field values; the
// DNS-less registry enforces uniqueness against it.
type UniquenessStore interface {
	// Claim records (field, value) for username; a colliding claim by
	// another user fails with ErrValueTaken.
	Claim(ctx context.Context, field, value, username string) error
	Release(ctx context.Context, field, value string) error
	ReleaseUser(ctx context.Context, username string) error
	Holder(ctx context.Context, field, value string) (string, error)
}

// Local is the DNS-less registry: no cluster, uniqueness is enforced
// against the node's own platform table only.
type Local struct {
	store UniquenessStore
}

// NewLocal creates the standalone registry.
func NewLocal(store UniquenessStore) *Local {
	return &Local{store: store}
}

var _ Registry = (*Local)(nil)

func (l *Local) ValidateUser(ctx context.Context, req ValidateRequest) error {
	dup := make(map[string]string)
	if holder, err := l.store.Holder(ctx, "username", req.Username); err == nil && holder != "" {
		dup["username"] = req.Username
	}
	for field, value := range req.UniqueFields {
		holder, err := l.store.Holder(ctx, field, value)
		if err != nil {
			return err
		}
		if holder != "" && holder != req.Username {
			dup[field] = value
		}
	}
	if len(dup) > 0 {
		return &DuplicateFieldsError{Fields: dup}
	}
	return nil
}

func (l *Local) CheckUsername(ctx context.Context, username string) (bool, error) {
	holder, err := l.store.Holder(ctx, "username", username)
	if err != nil {
		return false, err
	}
	return holder != "", nil
}

func (l *Local) CreateUser(ctx context.Context, req UpdateRequest) error {
	if err := l.store.Claim(ctx, "username", req.Username, req.Username); err != nil {
		if err == ErrValueTaken {
			return &DuplicateFieldsError{Fields: map[string]string{"username": req.Username}}
		}
		return err
	}
	return l.UpdateUser(ctx, req)
}

func (l *Local) UpdateUser(ctx context.Context, req UpdateRequest) error {
	for field, values := range req.User {
		for _, v := range values {
			s, ok := v.Value.(string)
			if !ok || !v.IsUnique || !v.IsActive {
				continue
			}
			if err := l.store.Claim(ctx, field, s, req.Username); err != nil {
				if err == ErrValueTaken {
					return &DuplicateFieldsError{Fields: map[string]string{field: s}}
				}
				return err
			}
		}
	}
	for field, value := range req.FieldsToDelete {
		if err := l.store.Release(ctx, field, value); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) DeleteUser(ctx context.Context, username string, onlyReg bool) error {
	return l.store.ReleaseUser(ctx, username)
}
