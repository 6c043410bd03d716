package gateway

import (
	"context"

	"github.com/ecologicaleaving/startapp-sub002/model"
	"github.com/ecologicaleaving/startapp-sub002/subscription"
	"github.com/ecologicaleaving/startapp-sub002/tiered"
)

// Tournaments is the read path behind GET /api/tournaments and the cache
// administration routes. *tiered.Orchestrator implements it.
type Tournaments interface {
	GetTournaments(ctx context.Context, f *model.FilterOptions) (tiered.Result, error)
	InvalidateAll(ctx context.Context) error
	InvalidateTournament(ctx context.Context, tournamentNo string) (int, error)
}

// Matches serves per-tournament match lists. *originapi.Client implements it.
type Matches interface {
	GetMatches(ctx context.Context, tournamentNo string) ([]model.Match, error)
}

// Subscriptions is the realtime surface. *subscription.Manager implements it.
type Subscriptions interface {
	Subscribe(ctx context.Context, cfg subscription.Config, listener subscription.Listener) (string, error)
	Unsubscribe(ctx context.Context, id string) error
	Cleanup(ctx context.Context)
	SubscriptionStatus() subscription.Status
	AddStatusListener(fn subscription.Listener) string
	RemoveStatusListener(id string) bool
}
