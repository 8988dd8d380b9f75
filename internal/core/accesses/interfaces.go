package accesses

import "context"

// LocalStoreID names the default data store: stream ids without a
// ":<store>:" prefix belong to it.
const LocalStoreID = "local"

// StreamStore answers the ancestry questions permission resolution needs.
// The ":_system:" catalogue and the per-user stream tree both satisfy it,
// behind the store-id dispatch of ParseStoreID.
type StreamStore interface {
	// Ancestors returns the parent chain of a store-local stream id,
	// nearest first. Unknown streams have no ancestors.
	Ancestors(storeID, streamID string) []string

	// IsAccountStream reports whether the store-local id holds account
	// data. Account data never falls back to a "*" permission.
	IsAccountStream(storeID, streamID string) bool
}

// Repository persists access records inside one user's store.
type Repository interface {
	Create(ctx context.Context, userID string, access *Access) error
	GetByToken(ctx context.Context, userID, token string) (*Access, error)
	GetByID(ctx context.Context, userID, id string) (*Access, error)
	GetAll(ctx context.Context, userID string) ([]*Access, error)
	// FindSimilar returns the non-deleted access sharing (name, type,
	// deviceName), or ErrAccessNotFound.
	FindSimilar(ctx context.Context, userID, name string, typ Type, deviceName string) (*Access, error)
	Update(ctx context.Context, userID string, access *Access) error
	// Delete tombstones the access: token freed, Deleted stamped.
	Delete(ctx context.Context, userID, id string, deletedAt float64) error
	DeleteAll(ctx context.Context, userID string) error
}
