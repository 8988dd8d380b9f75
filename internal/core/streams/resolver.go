package streams

import (
	"context"

	"github.com/rs/zerolog"

	"Strata/internal/core/accesses"
	"Strata/internal/core/systemstreams"
)

// Resolver answers store-scoped ancestry and account-membership questions
// for one user: system stores come from the catalogue, the local store from
// the persisted tree. It satisfies the stream lookups permission
// evaluation needs.
type Resolver struct {
	ctx    context.Context
	userID string
	cat    *systemstreams.Catalogue
	repo   Repository
	log    zerolog.Logger
}

// NewResolver binds a resolver to one user for the duration of ctx
// (typically one API call).
func NewResolver(ctx context.Context, userID string, cat *systemstreams.Catalogue, repo Repository, log zerolog.Logger) *Resolver {
	return &Resolver{ctx: ctx, userID: userID, cat: cat, repo: repo, log: log}
}

// Ancestors returns the parent chain of streamID within its store, nearest
// first, in store-local ids. Unknown streams have no ancestors; lookup
// failures degrade to the same answer so permission checks fail closed.
var _ accesses.StreamStore = (*Resolver)(nil)

func (r *Resolver) Ancestors(storeID, streamID string) []string {
	if storeID == accesses.LocalStoreID {
		chain, err := r.repo.Ancestors(r.ctx, r.userID, streamID)
		if err != nil {
			r.log.Warn().Err(err).
				Str("userId", r.userID).Str("streamId", streamID).
				Msg("ancestor lookup failed")
			return nil
		}
		return chain
	}
	// System stores: rebuild the prefixed id and strip the prefixes back off.
	full := ":" + storeID + ":" + streamID
	prefixed := r.cat.Ancestors(full)
	out := make([]string, 0, len(prefixed))
	for _, id := range prefixed {
		_, local := accesses.ParseStoreID(id)
		out = append(out, local)
	}
	return out
}

// IsAccountStream reports whether streamID belongs to the account branch of
// its store. Only system stores carry account streams.
func (r *Resolver) IsAccountStream(storeID, streamID string) bool {
	if storeID == accesses.LocalStoreID {
		return false
	}
	return r.cat.IsAccountStream(":" + storeID + ":" + streamID)
}
