package tiered

import (
	"context"
	"sort"
	"strings"

	"github.com/ecologicaleaving/startapp-sub002/cachekey"
	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/model"
	"github.com/ecologicaleaving/startapp-sub002/storage"
	"github.com/ecologicaleaving/startapp-sub002/subscription"
)

// Invalidate removes the entry for f from the memory and storage tiers.
func (o *Orchestrator) Invalidate(ctx context.Context, f *model.FilterOptions) error {
	key := cachekey.ForFilters(o.cfg.Namespace, f)
	o.bump(key)
	if _, err := o.memory.Delete(key); err != nil {
		return errors.Wrap(err, "Orchestrator", "Invalidate", "delete memory entry")
	}
	if o.store == nil {
		return nil
	}
	o.forget(key)
	if err := o.store.Delete(ctx, key); err != nil && !errors.Is(err, errors.ErrKeyNotFound) {
		return errors.WrapTransient(err, "Orchestrator", "Invalidate", "delete storage entry")
	}
	return nil
}

// InvalidateAll clears the memory tier and removes every storage key in the
// orchestrator's namespace, including those written by this process.
func (o *Orchestrator) InvalidateAll(ctx context.Context) error {
	o.bumpAll()
	if err := o.memory.Clear(); err != nil {
		return errors.Wrap(err, "Orchestrator", "InvalidateAll", "clear memory tier")
	}
	if o.store == nil {
		return nil
	}

	keys := o.writtenKeys()
	listed, err := o.store.List(ctx, o.cfg.Namespace)
	if err != nil {
		o.logger.Warn("Listing storage keys failed, removing known keys only", "error", err)
	}
	keys = mergeKeys(keys, o.inNamespace(listed))

	var errs []error
	for _, key := range keys {
		if err := o.store.Delete(ctx, key); err != nil && !errors.Is(err, errors.ErrKeyNotFound) {
			errs = append(errs, err)
			continue
		}
		o.forget(key)
	}
	if len(errs) > 0 {
		return errors.WrapTransient(errors.Join(errs...), "Orchestrator", "InvalidateAll", "delete storage entries")
	}
	o.logger.Debug("Invalidated all entries", "storage_keys", len(keys))
	return nil
}

// InvalidateTournament removes every cached list containing tournamentNo and
// returns the number of entries removed across both tiers.
func (o *Orchestrator) InvalidateTournament(ctx context.Context, tournamentNo string) (int, error) {
	if tournamentNo == "" {
		return 0, errors.WrapInvalid(errors.ErrInvalidData, "Orchestrator", "InvalidateTournament", "empty tournament number")
	}

	var memKeys []string
	o.memory.Range(func(key string, entry model.CacheEntry) bool {
		if entry.Contains(tournamentNo) {
			memKeys = append(memKeys, key)
		}
		return true
	})
	o.bump(memKeys...)
	removed := 0
	for _, key := range memKeys {
		if ok, _ := o.memory.Delete(key); ok {
			removed++
		}
	}

	if o.store == nil {
		return removed, nil
	}

	keys, err := o.store.List(ctx, o.cfg.Namespace)
	if err != nil {
		return removed, errors.WrapTransient(err, "Orchestrator", "InvalidateTournament", "list storage keys")
	}
	for _, key := range o.inNamespace(keys) {
		raw, err := o.store.Get(ctx, key)
		if err != nil {
			continue
		}
		env, err := storage.Decode[[]model.Tournament](raw)
		if err == nil && !containsTournament(env.Data, tournamentNo) {
			continue
		}
		// unreadable entries go too
		o.bump(key)
		if err := o.store.Delete(ctx, key); err != nil && !errors.Is(err, errors.ErrKeyNotFound) {
			o.logger.Warn("Storage invalidation failed", "key", key, "error", err)
			continue
		}
		o.forget(key)
		removed++
	}
	return removed, nil
}

// InvalidateSensitive removes the cached lists whose filters select by
// status (currentlyActive, recentOnly) or by date (year, recentOnly). A row
// change can add a tournament to such a list, which InvalidateTournament
// cannot see. It returns the number of entries removed across both tiers.
func (o *Orchestrator) InvalidateSensitive(ctx context.Context, status, dates bool) (int, error) {
	var want sensitivity
	if status {
		want |= sensitiveToStatus
	}
	if dates {
		want |= sensitiveToDates
	}
	if want == 0 {
		return 0, nil
	}

	o.mu.Lock()
	var keys []string
	for key, s := range o.sensitive {
		if s&want != 0 {
			keys = append(keys, key)
		}
	}
	o.mu.Unlock()
	sort.Strings(keys)
	o.bump(keys...)

	removed := 0
	var errs []error
	for _, key := range keys {
		if ok, _ := o.memory.Delete(key); ok {
			removed++
		}
		if o.store == nil {
			continue
		}
		if _, err := o.store.Get(ctx, key); err != nil {
			continue
		}
		if err := o.store.Delete(ctx, key); err != nil && !errors.Is(err, errors.ErrKeyNotFound) {
			errs = append(errs, err)
			continue
		}
		o.forget(key)
		removed++
	}
	if len(errs) > 0 {
		return removed, errors.WrapTransient(errors.Join(errs...), "Orchestrator", "InvalidateSensitive", "delete storage entries")
	}
	return removed, nil
}

// Listener returns a status listener that drops cached lists whenever a
// tournament-level event arrives for one of their tournaments. Status and
// date changes also drop every list filtered on them.
func (o *Orchestrator) Listener() subscription.Listener {
	return func(events []subscription.StatusChangeEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.BackfillTimeout)
		defer cancel()

		seen := make(map[string]struct{})
		var status, dates bool
		for _, ev := range events {
			if ev.MatchNo != "" {
				continue
			}
			if _, ok := ev.Change("status"); ok || ev.EventType == subscription.EventCritical || ev.EventType == subscription.EventCompletion {
				status = true
			}
			_, start := ev.Change("start_date")
			_, end := ev.Change("end_date")
			dates = dates || start || end

			if _, dup := seen[ev.TournamentNo]; dup {
				continue
			}
			seen[ev.TournamentNo] = struct{}{}

			n, err := o.InvalidateTournament(ctx, ev.TournamentNo)
			if err != nil {
				o.logger.Warn("Invalidation on status change failed", "tournament", ev.TournamentNo, "error", err)
				continue
			}
			o.logger.Debug("Invalidated on status change", "tournament", ev.TournamentNo,
				"event_type", ev.EventType, "removed", n)
		}

		n, err := o.InvalidateSensitive(ctx, status, dates)
		if err != nil {
			o.logger.Warn("Filtered list invalidation failed", "error", err)
			return
		}
		if n > 0 {
			o.logger.Debug("Invalidated filtered lists", "status", status, "dates", dates, "removed", n)
		}
	}
}

func (o *Orchestrator) forget(key string) {
	o.mu.Lock()
	delete(o.written, key)
	o.mu.Unlock()
}

func (o *Orchestrator) writtenKeys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.written))
	for k := range o.written {
		keys = append(keys, k)
	}
	return keys
}

// inNamespace keeps the bare namespace key and namespace_<digest> keys, so
// "tournaments" never matches "tournaments2_...".
func (o *Orchestrator) inNamespace(keys []string) []string {
	ns := o.cfg.Namespace
	out := keys[:0:0]
	for _, k := range keys {
		if k == ns || strings.HasPrefix(k, ns+"_") {
			out = append(out, k)
		}
	}
	return out
}

func mergeKeys(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, k := range a {
		set[k] = struct{}{}
	}
	for _, k := range b {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func containsTournament(ts []model.Tournament, no string) bool {
	for _, t := range ts {
		if t.No == no {
			return true
		}
	}
	return false
}
