package accesses

import (
	"context"
	"errors"
	"reflect"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"Strata/internal/core/apierrors"
	"Strata/internal/core/systemstreams"
	"Strata/internal/notify"
)

// Actor is the authenticated principal of one access method call.
type Actor struct {
	UserID   string
	Username string
	Logic    *Logic
	// Tag is the createdBy/modifiedBy stamp: the access id, suffixed with
	// the caller id when the auth header carried one.
	Tag string
}

// CheckAppResult is the outcome of accesses.checkApp: either an existing
// access matches the requested permission set, or the mismatching one is
// returned alongside the permissions to request.
type CheckAppResult struct {
	CheckedPermissions Permissions `json:"checkedPermissions,omitempty"`
	Matching           *Access     `json:"matchingAccess,omitempty"`
	Mismatching        *Access     `json:"mismatchingAccess,omitempty"`
}

// Service implements the access API methods over the repository, gated by
// the caller's own access.
type Service struct {
	repo     Repository
	notifier notify.Notifier
	now      func() float64
	log      zerolog.Logger
}

// NewService wires the access methods. now nil falls back to the real clock.
func NewService(repo Repository, notifier notify.Notifier, now func() float64, log zerolog.Logger) *Service {
	if now == nil {
		now = systemstreams.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		now:      now,
		log:      log.With().Str("component", "accesses").Logger(),
	}
}

// Get lists the accesses the caller may see: everything for personal
// tokens, itself and its own creations for app tokens.
func (s *Service) Get(ctx context.Context, actor Actor) ([]*Access, error) {
	if !actor.Logic.Can("accesses.get") {
		return nil, apierrors.New(apierrors.Forbidden, "this access cannot list accesses")
	}
	all, err := s.repo.GetAll(ctx, actor.UserID)
	if err != nil {
		return nil, apierrors.Unexpected("failed to list accesses", err)
	}
	self := actor.Logic.Access()
	if self.IsPersonal() {
		return all, nil
	}
	var visible []*Access
	for _, a := range all {
		if a.ID == self.ID || a.CreatedBy == self.ID {
			visible = append(visible, a)
		}
	}
	return visible, nil
}

// Create validates and persists a new access. The caller's own access must
// have the authority to grant every requested permission.
func (s *Service) Create(ctx context.Context, actor Actor, candidate *Access) (*Access, error) {
	if !actor.Logic.Can("accesses.create") {
		return nil, apierrors.New(apierrors.Forbidden, "this access cannot create accesses")
	}
	if candidate.Type == "" {
		candidate.Type = TypeShared
	}
	if err := candidate.Validate(); err != nil {
		return nil, apierrors.Wrap(apierrors.InvalidParametersFormat, err.Error(), err)
	}
	if err := actor.Logic.CanCreateAccess(candidate); err != nil {
		return nil, apierrors.Wrap(apierrors.Forbidden, err.Error(), err)
	}

	existing, err := s.repo.FindSimilar(ctx, actor.UserID, candidate.Name, candidate.Type, candidate.DeviceName)
	if err != nil && !errors.Is(err, ErrAccessNotFound) {
		return nil, apierrors.Unexpected("failed to check for similar access", err)
	}
	if existing != nil {
		return nil, apierrors.AlreadyExists(map[string]interface{}{
			"name": candidate.Name, "type": string(candidate.Type),
		})
	}

	if candidate.ID == "" {
		candidate.ID = uuid.NewString()
	}
	if candidate.Token == "" {
		candidate.Token = uuid.NewString()
	}
	candidate.Created = s.now()
	candidate.CreatedBy = actor.Tag
	candidate.Modified = candidate.Created
	candidate.ModifiedBy = actor.Tag

	if err := s.repo.Create(ctx, actor.UserID, candidate); err != nil {
		if errors.Is(err, ErrAccessNameTaken) {
			return nil, apierrors.AlreadyExists(map[string]interface{}{
				"name": candidate.Name, "type": string(candidate.Type),
			})
		}
		return nil, apierrors.Unexpected("failed to create access", err)
	}
	s.notifier.AccessesChanged(ctx, actor.Username)
	return candidate, nil
}

// Delete tombstones an access: the token stops working, the record stays
// as a deletion.
func (s *Service) Delete(ctx context.Context, actor Actor, id string) error {
	target, err := s.repo.GetByID(ctx, actor.UserID, id)
	if err != nil {
		if errors.Is(err, ErrAccessNotFound) {
			return apierrors.New(apierrors.UnknownResource, "unknown access "+id)
		}
		return apierrors.Unexpected("failed to load access", err)
	}
	if target.Deleted != nil {
		return apierrors.New(apierrors.UnknownResource, "unknown access "+id)
	}
	if err := actor.Logic.CanDeleteAccess(target); err != nil {
		return apierrors.Wrap(apierrors.Forbidden, err.Error(), err)
	}
	if err := s.repo.Delete(ctx, actor.UserID, id, s.now()); err != nil {
		return apierrors.Unexpected("failed to delete access", err)
	}
	s.notifier.AccessesChanged(ctx, actor.Username)
	return nil
}

// CheckApp reports whether an app access with the given name, device and
// permission set already exists. Personal tokens only.
func (s *Service) CheckApp(ctx context.Context, actor Actor, appID, deviceName string,
	requested Permissions) (*CheckAppResult, error) {
	if !actor.Logic.Can("accesses.checkApp") {
		return nil, apierrors.New(apierrors.Forbidden, "accesses.checkApp requires a personal token")
	}
	if appID == "" {
		return nil, apierrors.New(apierrors.InvalidParametersFormat, "requestingAppId is required")
	}
	if err := requested.Validate(); err != nil {
		return nil, apierrors.Wrap(apierrors.InvalidParametersFormat, err.Error(), err)
	}

	existing, err := s.repo.FindSimilar(ctx, actor.UserID, appID, TypeApp, deviceName)
	if err != nil {
		if errors.Is(err, ErrAccessNotFound) {
			return &CheckAppResult{CheckedPermissions: requested}, nil
		}
		return nil, apierrors.Unexpected("failed to check for similar access", err)
	}
	if existing.IsExpired(s.now()) {
		return &CheckAppResult{CheckedPermissions: requested}, nil
	}
	if reflect.DeepEqual(existing.Permissions, requested) {
		return &CheckAppResult{Matching: existing}, nil
	}
	return &CheckAppResult{CheckedPermissions: requested, Mismatching: existing}, nil
}
