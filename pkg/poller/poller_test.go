package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tedwatch/tedwatch/pkg/mijnted"
	"github.com/tedwatch/tedwatch/pkg/storage"
	"github.com/tedwatch/tedwatch/pkg/types"
)

var testNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

type staticUnit struct{ unit string }

func (s staticUnit) ResidentialUnit(ctx context.Context) (string, error) {
	return s.unit, nil
}

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context) (string, error)        { return "tok", nil }
func (staticTokens) ForceRefresh(ctx context.Context) (string, error) { return "tok", nil }

// fakeAPI serves all eight endpoints with canned payloads and lets tests
// break individual endpoints.
type fakeAPI struct {
	mu     sync.Mutex
	broken map[string]int // path prefix -> status code
	delay  time.Duration
}

func (f *fakeAPI) breakEndpoint(prefix string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken[prefix] = status
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	serve := func(prefix, body string) {
		mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-r.Context().Done():
					return
				}
			}
			f.mu.Lock()
			status := f.broken[prefix]
			f.mu.Unlock()
			if status != 0 {
				w.WriteHeader(status)
				return
			}
			w.Write([]byte(body))
		})
	}

	serve("/address/deliveryTypes/", `[4]`)
	serve("/residentialUnitUsage/2026/", `{
		"monthlyEnergyUsages": [
			{"monthYear": "7.2026", "totalEnergyUsage": 120.5, "unitOfMeasurement": "units", "averageEnergyUseForBillingUnit": 110},
			{"monthYear": "8.2026", "totalEnergyUsage": 40, "unitOfMeasurement": "units"},
			{"monthYear": "12.2026", "totalEnergyUsage": 0, "unitOfMeasurement": "units", "averageEnergyUseForBillingUnit": null}
		]
	}`)
	serve("/residentialUnitUsage/2025/", `{
		"monthlyEnergyUsages": [
			{"monthYear": "8.2025", "totalEnergyUsage": 99, "unitOfMeasurement": "units"}
		]
	}`)
	serve("/usagePerRoom/", `{
		"rooms": ["KA", "W", "KA"],
		"units": "units",
		"currentYear": {"year": 2026, "values": [10, 20, 5]},
		"lastYear": {"year": 2025, "values": [30, 40, 0]}
	}`)
	serve("/deviceStatuses/", `[
		{"measurementDeviceId": 1, "room": "KA", "currentReadingValue": 100, "unitOfMeasure": "units"},
		{"measurementDeviceId": 2, "room": "W", "currentReadingValue": 50, "unitOfMeasure": "units"},
		{"measurementDeviceId": 3, "room": "Old", "currentReadingValue": 999, "unitOfMeasure": "units", "deactivationDate": "2024-01-01"}
	]`)
	serve("/getLastSyncDate/", `"28/08/2026"`)
	serve("/activeModel/", `"doprimo 3"`)
	serve("/usageInsight/", `{"unitType": "units", "usage": 40, "billingUnitAverageUsage": 55}`)
	serve("/residentialUnitDetail/", `{"id": "unit-1", "street": "Teststraat", "residentName": "A. Tester"}`)
	return mux
}

func newTestPoller(t *testing.T, cfg Config) (*Poller, *fakeAPI, storage.Store) {
	t.Helper()
	api := &fakeAPI{broken: make(map[string]int)}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	store := storage.NewFileStore(t.TempDir())
	client := mijnted.New(srv.URL, &http.Client{Timeout: 5 * time.Second}, staticTokens{})

	p := New(staticUnit{"unit-1"}, client, store, cfg)
	p.now = func() time.Time { return testNow }
	return p, api, store
}

func TestRunCycleHappyPath(t *testing.T) {
	ctx := context.Background()
	p, _, store := newTestPoller(t, Config{})

	require.NoError(t, p.RunCycle(ctx))

	snap := p.Snapshot()
	assert.Equal(t, "unit-1", snap.ResidentialUnit)
	assert.Equal(t, 4, snap.DeliveryType)
	assert.Equal(t, testNow, snap.LastAttemptedSync)
	assert.Equal(t, testNow, snap.LastSuccessfulSync)

	// 7.2026, 8.2026, 12.2026 plus the seeded 8.2025
	require.Len(t, snap.Months, 4)
	assert.Equal(t, types.MonthKey{Year: 2025, Month: 8}, snap.Months[0].Key())
	assert.Equal(t, types.MonthKey{Year: 2026, Month: 12}, snap.Months[3].Key())

	// the padded future month must read as "no data yet"
	assert.Nil(t, snap.Months[3].TotalUsage)
	// while a populated month passes through verbatim
	require.NotNil(t, snap.Months[1].TotalUsage)
	assert.Equal(t, 120.5, *snap.Months[1].TotalUsage)

	assert.Equal(t, []types.RoomUsage{{Room: "KA", Value: 15}, {Room: "W", Value: 20}}, snap.Rooms)
	require.Len(t, snap.Devices, 3)

	// first run: no prior-month baseline, so no derived figure
	assert.Nil(t, snap.UsageSoFar)

	// upstream lastYear block (30+40) wins over the cached 8.2025 total (99)
	require.NotNil(t, snap.LastYearUsage)
	assert.Equal(t, 70.0, *snap.LastYearUsage)

	assert.Equal(t, "doprimo 3", snap.ActiveModel)
	assert.Equal(t, time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC), snap.LastSync)
	require.NotNil(t, snap.Insight)
	require.NotNil(t, snap.Detail)
	assert.Equal(t, "A. Tester", snap.Detail.ResidentName)

	// cycle results were persisted
	entries, err := store.LoadMonths(ctx, "unit-1")
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestRunCyclePartialFailure(t *testing.T) {
	ctx := context.Background()
	p, api, _ := newTestPoller(t, Config{})

	require.NoError(t, p.RunCycle(ctx))
	first := p.Snapshot()
	require.NotNil(t, first.Insight)

	api.breakEndpoint("/usageInsight/", http.StatusServiceUnavailable)
	later := testNow.Add(time.Hour)
	p.now = func() time.Time { return later }

	require.NoError(t, p.RunCycle(ctx))

	snap := p.Snapshot()
	// stale insight kept, everything else fresh
	assert.Equal(t, first.Insight, snap.Insight)
	assert.Len(t, snap.Months, 4)
	assert.Equal(t, later, snap.LastAttemptedSync)
	assert.Equal(t, testNow, snap.LastSuccessfulSync, "incomplete cycle must not advance the success marker")
}

func TestRunCycleAuthExpired(t *testing.T) {
	ctx := context.Background()
	p, api, store := newTestPoller(t, Config{})

	require.NoError(t, p.RunCycle(ctx))
	first := p.Snapshot()

	for _, prefix := range []string{"/residentialUnitUsage/2026/", "/usagePerRoom/", "/deviceStatuses/"} {
		api.breakEndpoint(prefix, http.StatusUnauthorized)
	}
	later := testNow.Add(time.Hour)
	p.now = func() time.Time { return later }

	err := p.RunCycle(ctx)
	require.Error(t, err)
	assert.True(t, types.IsAuthExpired(err))

	// previous snapshot survives, only the attempt marker moves
	snap := p.Snapshot()
	assert.Equal(t, first.Months, snap.Months)
	assert.Equal(t, first.LastSuccessfulSync, snap.LastSuccessfulSync)
	assert.Equal(t, later, snap.LastAttemptedSync)

	// no partial merges reached storage
	entries, err := store.LoadMonths(ctx, "unit-1")
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestRunCycleCancellation(t *testing.T) {
	p, api, store := newTestPoller(t, Config{})
	api.delay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.RunCycle(ctx)
	require.Error(t, err)

	// nothing committed
	assert.Empty(t, p.Snapshot().Months)
	entries, err := store.LoadMonths(context.Background(), "unit-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUsageSoFarUsesPriorMonthBaseline(t *testing.T) {
	ctx := context.Background()
	p, _, store := newTestPoller(t, Config{})

	// a previous month-end counter reading is already on disk
	baseline := 130.0
	require.NoError(t, store.SaveMonths(ctx, "unit-1", []types.CacheEntry{
		{
			Record:          types.MonthlyUsageRecord{Year: 2026, Month: 7, TotalUsage: types.Float64Ptr(120.5)},
			MonthEndReading: &baseline,
			LastRefreshed:   testNow.Add(-30 * 24 * time.Hour),
		},
	}))

	require.NoError(t, p.RunCycle(ctx))

	snap := p.Snapshot()
	// active counters total 150, baseline 130
	require.NotNil(t, snap.UsageSoFar)
	assert.Equal(t, 20.0, *snap.UsageSoFar)
}

func TestRetentionEviction(t *testing.T) {
	ctx := context.Background()
	p, _, store := newTestPoller(t, Config{RetentionMonths: 12})

	old := types.MonthKeyOf(testNow).AddMonths(-13)
	require.NoError(t, store.SaveMonths(ctx, "unit-1", []types.CacheEntry{
		{Record: types.MonthlyUsageRecord{Year: old.Year, Month: old.Month, TotalUsage: types.Float64Ptr(5)}},
	}))

	require.NoError(t, p.RunCycle(ctx))

	for _, rec := range p.Snapshot().Months {
		assert.False(t, rec.Key().Before(types.MonthKeyOf(testNow).AddMonths(-12)),
			"evicted month %s still present", rec.Key())
	}
}

func TestClampInterval(t *testing.T) {
	assert.Equal(t, MinInterval, ClampInterval(time.Minute))
	assert.Equal(t, MinInterval, ClampInterval(0))
	assert.Equal(t, 2*time.Hour, ClampInterval(2*time.Hour))
	assert.Equal(t, MaxInterval, ClampInterval(48*time.Hour))
}
