package accesses

import "fmt"

// CanCreateAccess decides whether this access may create the candidate.
//
// Personal accesses create anything. App accesses create shared accesses
// only, and only with permissions strictly implied by their own: the level
// of each requested permission must be held on that stream or tag, and
// create-only may not be delegated. Shared accesses create nothing.
func (l *Logic) CanCreateAccess(candidate *Access) error {
	switch l.access.Type {
	case TypePersonal:
		return nil
	case TypeShared:
		return &ForbiddenError{Reason: "shared accesses cannot create accesses"}
	}

	if candidate.Type != TypeShared {
		return &ForbiddenError{Reason: fmt.Sprintf("app accesses can only create shared accesses, not %q", candidate.Type)}
	}

	for _, p := range candidate.Permissions {
		switch perm := p.(type) {
		case StreamPermission:
			if perm.Level == LevelCreateOnly {
				return &ForbiddenError{Reason: "create-only permissions cannot be delegated"}
			}
			held, ok := l.LevelFor(perm.StreamID)
			if !ok || held == LevelCreateOnly || !held.AtLeast(perm.Level) {
				return &ForbiddenError{
					Reason: fmt.Sprintf("cannot delegate level %q on stream %q", perm.Level, perm.StreamID),
				}
			}
		case TagPermission:
			if perm.Level == LevelCreateOnly {
				return &ForbiddenError{Reason: "create-only permissions cannot be delegated"}
			}
			held, ok := l.tagPerms[perm.Tag]
			if !ok {
				held, ok = l.tagPerms["*"]
			}
			if !ok || held.Level == LevelCreateOnly || !held.Level.AtLeast(perm.Level) {
				return &ForbiddenError{
					Reason: fmt.Sprintf("cannot delegate level %q on tag %q", perm.Level, perm.Tag),
				}
			}
		case FeaturePermission:
			// selfRevoke=forbidden propagates down only from an access whose
			// own effective setting is forbidden.
			if perm.Feature == FeatureSelfRevoke && perm.Setting == SettingForbidden && !l.SelfRevokeForbidden() {
				return &ForbiddenError{Reason: "cannot forbid selfRevoke on a sub-access without holding it"}
			}
		}
	}
	return nil
}

// CanDeleteAccess decides whether this access may delete the target.
//
// Personal deletes anything. Any access deletes itself unless selfRevoke is
// forbidden. App accesses additionally delete the accesses they created.
func (l *Logic) CanDeleteAccess(target *Access) error {
	if l.access.Type == TypePersonal {
		return nil
	}
	if target.ID == l.access.ID {
		if l.SelfRevokeForbidden() {
			return &ForbiddenError{Reason: "self-revocation is forbidden for this access"}
		}
		return nil
	}
	if l.access.Type == TypeApp && target.CreatedBy == l.access.ID {
		return nil
	}
	return &ForbiddenError{Reason: "accesses can only be deleted by their creator or owner"}
}
