package mijnted

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tedwatch/tedwatch/pkg/types"
)

// staticTokens is a TokenSource whose refresh just swaps in a second token.
type staticTokens struct {
	current   string
	refreshed string
	refreshes int32
}

func (s *staticTokens) Token(ctx context.Context) (string, error) {
	return s.current, nil
}

func (s *staticTokens) ForceRefresh(ctx context.Context) (string, error) {
	atomic.AddInt32(&s.refreshes, 1)
	s.current = s.refreshed
	return s.current, nil
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *staticTokens, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tokens := &staticTokens{current: "tok-old", refreshed: "tok-new"}
	c := New(srv.URL, &http.Client{Timeout: 5 * time.Second}, tokens)
	return c, tokens, srv
}

func TestRetryOnceAfterRefresh(t *testing.T) {
	ctx := context.Background()
	c, tokens, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[4]`))
	}))

	dts, err := c.DeliveryTypes(ctx, "unit-1")
	require.NoError(t, err)
	assert.Equal(t, []int{4}, dts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.refreshes))
}

func TestSecondUnauthorizedIsFatal(t *testing.T) {
	ctx := context.Background()
	var hits int32
	c, tokens, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.DeliveryTypes(ctx, "unit-1")
	require.Error(t, err)
	assert.True(t, types.IsAuthExpired(err))
	// exactly one refresh, exactly two requests, never a loop
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.refreshes))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("Transient", func(t *testing.T) {
		c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		_, err := c.ActiveModel(ctx, "unit-1", 4)
		require.Error(t, err)
		assert.True(t, types.IsTransient(err))
	})

	t.Run("Hard", func(t *testing.T) {
		c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such unit", http.StatusNotFound)
		}))
		_, err := c.ResidentialUnitDetail(ctx, "unit-1")
		require.Error(t, err)
		var apiErr *types.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
		assert.False(t, types.IsTransient(err))
	})
}

func TestEndpointPaths(t *testing.T) {
	ctx := context.Background()
	var lastPath atomic.Value
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastPath.Store(r.URL.Path)
		w.Write([]byte(`{}`))
	}))

	_, err := c.UsageByYear(ctx, 2026, "unit-1", 4)
	require.NoError(t, err)
	assert.Equal(t, "/residentialUnitUsage/2026/unit-1/4", lastPath.Load())

	_, err = c.UsageInsight(ctx, 2026, "unit-1", 4)
	require.NoError(t, err)
	assert.Equal(t, "/usageInsight/2026/unit-1/4", lastPath.Load())

	_, err = c.UsagePerRoom(ctx, 2026, "unit-1", 4)
	require.NoError(t, err)
	assert.Equal(t, "/usagePerRoom/2026/unit-1/4", lastPath.Load())

	_, err = c.ResidentialUnitDetail(ctx, "unit-1")
	require.NoError(t, err)
	assert.Equal(t, "/residentialUnitDetail/unit-1", lastPath.Load())
}

func TestTextEndpointVariants(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		body string
		want string
	}{
		{"QuotedJSONString", `"28/08/2026"`, "28/08/2026"},
		{"ValueWrapper", `{"value": "28/08/2026"}`, "28/08/2026"},
		{"RawText", "28/08/2026", "28/08/2026"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/getLastSyncDate/unit-1/4/2026", r.URL.Path)
				w.Write([]byte(tc.body))
			}))
			got, err := c.LastSyncDate(ctx, "unit-1", 4, 2026)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeviceStatuses(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deviceStatuses/unit-1/4/2026", r.URL.Path)
		w.Write([]byte(`[
			{"measurementDeviceId": 1, "room": "Living", "currentReadingValue": 123.4, "unitOfMeasure": "units"},
			{"measurementDeviceId": 2, "room": "Bath", "currentReadingValue": 10, "unitOfMeasure": "units", "deactivationDate": "2026-01-01"}
		]`))
	}))

	devices, err := c.DeviceStatuses(ctx, "unit-1", 4, 2026)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "Living", devices[0].Room)
	assert.False(t, devices[0].Deactivated())
	assert.True(t, devices[1].Deactivated())
}
