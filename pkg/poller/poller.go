// Package poller drives the periodic sync: resolve the residential unit,
// fetch every endpoint, aggregate, merge into the monthly cache, persist,
// and publish a fresh snapshot. A cycle tolerates individual endpoint
// failures; only an expired authentication fails it outright.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tedwatch/tedwatch/pkg/cache"
	"github.com/tedwatch/tedwatch/pkg/log"
	"github.com/tedwatch/tedwatch/pkg/mijnted"
	"github.com/tedwatch/tedwatch/pkg/storage"
	"github.com/tedwatch/tedwatch/pkg/types"
	"github.com/tedwatch/tedwatch/pkg/usage"
)

const (
	// MinInterval and MaxInterval bound the poll interval. The upstream
	// meters only report a few times a day; polling faster is waste.
	MinInterval = time.Hour
	MaxInterval = 24 * time.Hour

	// DefaultRetentionMonths bounds the monthly cache.
	DefaultRetentionMonths = 24
)

// UnitSource resolves the residential unit this installation belongs to.
type UnitSource interface {
	ResidentialUnit(ctx context.Context) (string, error)
}

// Config tunes one Poller.
type Config struct {
	Interval        time.Duration
	RetentionMonths int
}

// ClampInterval forces d into [MinInterval, MaxInterval].
func ClampInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	if d > MaxInterval {
		return MaxInterval
	}
	return d
}

// Poller coordinates poll cycles for one installation.
type Poller struct {
	units  UnitSource
	client *mijnted.Client
	store  storage.Store
	cache  *cache.Monthly
	cfg    Config

	mu       sync.RWMutex
	snapshot types.Snapshot
	restored bool

	now func() time.Time
}

// New returns a Poller. The cache starts empty and is restored from the
// store on the first cycle, once the unit is known.
func New(units UnitSource, client *mijnted.Client, store storage.Store, cfg Config) *Poller {
	if cfg.RetentionMonths <= 0 {
		cfg.RetentionMonths = DefaultRetentionMonths
	}
	cfg.Interval = ClampInterval(cfg.Interval)
	return &Poller{
		units:  units,
		client: client,
		store:  store,
		cache:  cache.New(),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Snapshot returns the latest published snapshot.
func (p *Poller) Snapshot() types.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// fetchResult collects the concurrent endpoint fetches of one cycle. Each
// err slot is independent; a failed fetch leaves its slice of the snapshot
// stale.
type fetchResult struct {
	usageCur, usagePrev       types.UsageByYear
	usageCurErr, usagePrevErr error
	prevFetched               bool

	rooms    types.UsagePerRoom
	roomsErr error

	devices    []types.DeviceReading
	devicesErr error

	lastSync    string
	lastSyncErr error

	activeModel    string
	activeModelErr error

	insight    *types.UsageInsight
	insightErr error

	detail    *types.ResidentialUnitDetail
	detailErr error
}

func (r *fetchResult) errs() map[string]error {
	out := map[string]error{
		"usage_current": r.usageCurErr,
		"rooms":         r.roomsErr,
		"devices":       r.devicesErr,
		"last_sync":     r.lastSyncErr,
		"active_model":  r.activeModelErr,
		"insight":       r.insightErr,
		"detail":        r.detailErr,
	}
	if r.prevFetched {
		out["usage_previous"] = r.usagePrevErr
	}
	return out
}

// RunCycle performs one full poll cycle. It returns an error only when the
// cycle as a whole failed (authentication gone, unit unresolvable, or the
// context cancelled); individual endpoint failures are logged and the rest
// of the cycle proceeds.
func (p *Poller) RunCycle(ctx context.Context) error {
	start := p.now()
	defer func() {
		p.mu.Lock()
		p.snapshot.LastAttemptedSync = start
		p.mu.Unlock()
	}()

	unit, err := p.units.ResidentialUnit(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve residential unit: %w", err)
	}
	ctx = log.WithAttrs(ctx, slog.String("unit", unit))

	if err := p.restoreOnce(ctx, unit); err != nil {
		return err
	}

	dts, err := p.client.DeliveryTypes(ctx, unit)
	if err != nil {
		return fmt.Errorf("failed to list delivery types: %w", err)
	}
	if len(dts) == 0 {
		return fmt.Errorf("unit has no delivery types")
	}
	dt := dts[0]

	currentKey := types.MonthKeyOf(start)
	year := currentKey.Year

	var res fetchResult
	// the previous year is only needed to seed year-over-year history
	_, havePrev := p.cache.Get(year-1, currentKey.Month)
	res.prevFetched = !havePrev

	var wg sync.WaitGroup
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	run(func() { res.usageCur, res.usageCurErr = p.client.UsageByYear(ctx, year, unit, dt) })
	if res.prevFetched {
		run(func() { res.usagePrev, res.usagePrevErr = p.client.UsageByYear(ctx, year-1, unit, dt) })
	}
	run(func() { res.rooms, res.roomsErr = p.client.UsagePerRoom(ctx, year, unit, dt) })
	run(func() { res.devices, res.devicesErr = p.client.DeviceStatuses(ctx, unit, dt, year) })
	run(func() { res.lastSync, res.lastSyncErr = p.client.LastSyncDate(ctx, unit, dt, year) })
	run(func() { res.activeModel, res.activeModelErr = p.client.ActiveModel(ctx, unit, dt) })
	run(func() { res.insight, res.insightErr = p.client.UsageInsight(ctx, year, unit, dt) })
	run(func() { res.detail, res.detailErr = p.client.ResidentialUnitDetail(ctx, unit) })
	wg.Wait()

	// nothing is merged unless the cycle is allowed to commit
	allOK := true
	for endpoint, err := range res.errs() {
		if err == nil {
			continue
		}
		allOK = false
		if types.IsAuthExpired(err) {
			return fmt.Errorf("authentication expired during cycle: %w", err)
		}
		log.Ctx(ctx).WarnContext(ctx, "endpoint failed, keeping stale data",
			slog.String("endpoint", endpoint), slog.Any("error", err))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return p.commit(ctx, unit, dt, currentKey, &res, allOK, start)
}

// restoreOnce loads the persisted monthly cache the first time the unit is
// known.
func (p *Poller) restoreOnce(ctx context.Context, unit string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.restored {
		return nil
	}
	entries, err := p.store.LoadMonths(ctx, unit)
	if err != nil {
		return fmt.Errorf("failed to restore monthly cache: %w", err)
	}
	p.cache.Restore(entries)
	p.restored = true
	if len(entries) > 0 {
		log.Ctx(ctx).InfoContext(ctx, "restored monthly cache", slog.Int("months", len(entries)))
	}
	return nil
}

// commit merges the settled fetches into the cache, evicts, persists, and
// publishes the new snapshot.
func (p *Poller) commit(ctx context.Context, unit string, dt int, currentKey types.MonthKey, res *fetchResult, allOK bool, start time.Time) error {
	for _, u := range []struct {
		payload types.UsageByYear
		err     error
		skip    bool
	}{
		{res.usageCur, res.usageCurErr, false},
		{res.usagePrev, res.usagePrevErr, !res.prevFetched},
	} {
		if u.skip || u.err != nil {
			continue
		}
		records, err := usage.MonthlyRecords(u.payload, start)
		if err != nil {
			allOK = false
			log.Ctx(ctx).WarnContext(ctx, "discarding malformed usage payload", slog.Any("error", err))
			continue
		}
		for _, rec := range records {
			p.cache.Merge(rec)
		}
	}

	prev := p.Snapshot()
	snap := types.Snapshot{
		ResidentialUnit: unit,
		DeliveryType:    dt,
		Detail:          prev.Detail,
		Rooms:           prev.Rooms,
		Devices:         prev.Devices,
		Insight:         prev.Insight,
		ActiveModel:     prev.ActiveModel,
		LastSync:        prev.LastSync,
		UsageSoFar:      prev.UsageSoFar,
		LastYearUsage:   prev.LastYearUsage,

		LastSuccessfulSync: prev.LastSuccessfulSync,
		LastAttemptedSync:  start,
	}

	if res.detailErr == nil {
		snap.Detail = res.detail
	}
	if res.insightErr == nil {
		snap.Insight = res.insight
	}
	if res.activeModelErr == nil {
		snap.ActiveModel = res.activeModel
	}
	if res.lastSyncErr == nil {
		if ts, err := usage.ParseSyncDate(res.lastSync); err == nil {
			snap.LastSync = ts
		} else {
			allOK = false
			log.Ctx(ctx).WarnContext(ctx, "unparseable last sync date",
				slog.String("value", res.lastSync), slog.Any("error", err))
		}
	}

	if res.roomsErr == nil {
		if res.rooms.CurrentYear != nil {
			rooms, err := usage.SumRooms(res.rooms.Rooms, res.rooms.CurrentYear.Values)
			if err != nil {
				allOK = false
				log.Ctx(ctx).WarnContext(ctx, "discarding malformed room payload", slog.Any("error", err))
			} else {
				snap.Rooms = rooms
			}
		}
	}

	if res.devicesErr == nil {
		snap.Devices = res.devices
		total := usage.TotalReading(res.devices)
		baseline := p.cache.Reading(currentKey.AddMonths(-1))
		snap.UsageSoFar = usage.UsageSoFar(total, baseline, currentKey.Month)
		p.cache.SetReading(currentKey, total)
	}

	var upstreamLastYear *float64
	if res.roomsErr == nil && res.rooms.LastYear != nil && len(res.rooms.LastYear.Values) > 0 {
		var sum float64
		for _, v := range res.rooms.LastYear.Values {
			sum += v
		}
		upstreamLastYear = types.Float64Ptr(sum)
	}
	var cachedLastYear *float64
	if rec, ok := p.cache.Get(currentKey.Year-1, currentKey.Month); ok {
		cachedLastYear = rec.TotalUsage
	}
	if v := usage.ResolveLastYear(upstreamLastYear, cachedLastYear); v != nil {
		snap.LastYearUsage = v
	}

	p.cache.EvictOlderThan(currentKey.AddMonths(-p.cfg.RetentionMonths))

	if err := p.store.SaveMonths(ctx, unit, p.cache.Entries()); err != nil {
		allOK = false
		log.Ctx(ctx).WarnContext(ctx, "failed to persist monthly cache", slog.Any("error", err))
	}

	snap.Months = p.cache.Snapshot()
	if allOK {
		snap.LastSuccessfulSync = start
	}

	p.mu.Lock()
	p.snapshot = snap
	p.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "poll cycle finished",
		slog.Bool("complete", allOK),
		slog.Int("months", len(snap.Months)))
	return nil
}

// Run polls at the configured interval until ctx is cancelled, starting
// with an immediate cycle. Cycles never overlap.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.RunCycle(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "poll cycle failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.RunCycle(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Ctx(ctx).ErrorContext(ctx, "poll cycle failed", slog.Any("error", err))
			}
		}
	}
}
