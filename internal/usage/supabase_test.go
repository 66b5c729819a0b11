package usage_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/usage"
	"github.com/crosslogic/usage-meter/internal/usage/usagetest"
)

// fakePostgREST implements the slice of the PostgREST API the store uses:
// GET/POST/PATCH on one table with eq. filters.
type fakePostgREST struct {
	mu        sync.Mutex
	rows      map[string]map[string]any
	conflicts int64
	failAll   atomic.Bool
	apiKeys   map[string]int
}

func newFakePostgREST() *fakePostgREST {
	return &fakePostgREST{rows: map[string]map[string]any{}, apiKeys: map[string]int{}}
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/rest/v1/usage_counters") {
		writePGError(w, http.StatusNotFound, "42P01", "relation does not exist")
		return
	}
	if f.failAll.Load() {
		writePGError(w, http.StatusServiceUnavailable, "PGRST000", "database unavailable")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys[r.Header.Get("apikey")]++

	filters := map[string]string{}
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 && strings.HasPrefix(vals[0], "eq.") {
			filters[key] = strings.TrimPrefix(vals[0], "eq.")
		}
	}

	switch r.Method {
	case http.MethodGet:
		out := []map[string]any{}
		if row, ok := f.rows[filters["account_id"]]; ok {
			out = append(out, row)
		}
		writeRows(w, http.StatusOK, out)

	case http.MethodPost:
		var row map[string]any
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			writePGError(w, http.StatusBadRequest, "PGRST102", err.Error())
			return
		}
		id, _ := row["account_id"].(string)
		if _, exists := f.rows[id]; exists {
			writePGError(w, http.StatusConflict, "23505", "duplicate key value violates unique constraint")
			return
		}
		f.rows[id] = row
		writeRows(w, http.StatusCreated, []map[string]any{row})

	case http.MethodPatch:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writePGError(w, http.StatusBadRequest, "PGRST102", err.Error())
			return
		}
		row, ok := f.rows[filters["account_id"]]
		if !ok || formatVersion(row["version"]) != filters["version"] {
			f.conflicts++
			writeRows(w, http.StatusOK, []map[string]any{})
			return
		}
		for k, v := range patch {
			row[k] = v
		}
		writeRows(w, http.StatusOK, []map[string]any{row})

	default:
		writePGError(w, http.StatusMethodNotAllowed, "PGRST000", "method not allowed")
	}
}

func formatVersion(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatInt(int64(f), 10)
	}
	return ""
}

func writeRows(w http.ResponseWriter, status int, rows []map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rows)
}

func writePGError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

func newSupabaseStore(t *testing.T, fake *fakePostgREST, retries int) *usage.SupabaseStore {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := usage.NewSupabaseClient(srv.URL, "service-role-key")
	require.NoError(t, err)
	return usage.NewSupabaseStore(client, "usage_counters", retries, zap.NewNop())
}

func TestSupabaseStore(t *testing.T) {
	usagetest.Run(t, func(t *testing.T) usage.Store {
		return newSupabaseStore(t, newFakePostgREST(), 0)
	}, usagetest.Options{PropertyRuns: 30})
}

func TestSupabaseStoreRetriesOnVersionConflict(t *testing.T) {
	fake := newFakePostgREST()
	s := newSupabaseStore(t, fake, 0)
	ctx := context.Background()
	now := time.Now()

	_, err := s.Load(ctx, "acct", now)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementSummary(ctx, "acct", now, 5))
		}()
	}
	wg.Wait()

	c, err := s.Load(ctx, "acct", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(20), c.SummariesToday)
	assert.Equal(t, int64(100), int64(c.CostThisMonth))
	assert.Equal(t, int64(20), c.Version)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 0, fake.apiKeys[""], "every request carries the api key")
}

func TestSupabaseStoreGivesUpAfterMaxRetries(t *testing.T) {
	tests := []struct {
		name      string
		retries   int
		conflicts int64
	}{
		{"configured", 3, 3},
		{"default", 0, usage.DefaultSupabaseRetries},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakePostgREST()
			srv := httptest.NewServer(&versionBumper{fake: fake, accountID: "acct"})
			t.Cleanup(srv.Close)

			client, err := usage.NewSupabaseClient(srv.URL, "service-role-key")
			require.NoError(t, err)
			s := usage.NewSupabaseStore(client, "usage_counters", tt.retries, zap.NewNop())
			ctx := context.Background()
			now := time.Now()

			_, err = s.Load(ctx, "acct", now)
			require.NoError(t, err)

			err = s.IncrementSummary(ctx, "acct", now, 1)
			require.Error(t, err)
			assert.ErrorIs(t, err, usage.ErrConflict)

			fake.mu.Lock()
			defer fake.mu.Unlock()
			assert.Equal(t, tt.conflicts, fake.conflicts)
		})
	}
}

// versionBumper moves the row version after each read so every
// compare-and-set loses.
type versionBumper struct {
	fake      *fakePostgREST
	accountID string
}

func (v *versionBumper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.fake.ServeHTTP(w, r)
	if r.Method == http.MethodGet {
		v.fake.mu.Lock()
		if row, ok := v.fake.rows[v.accountID]; ok {
			row["version"] = row["version"].(float64) + 1
		}
		v.fake.mu.Unlock()
	}
}

func TestSupabaseStoreSurfacesBackendErrors(t *testing.T) {
	fake := newFakePostgREST()
	s := newSupabaseStore(t, fake, 3)
	fake.failAll.Store(true)

	_, err := s.Load(context.Background(), "acct", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
}

func TestSupabaseStoreHonoursCancelledContext(t *testing.T) {
	s := newSupabaseStore(t, newFakePostgREST(), 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Load(ctx, "acct", time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}
