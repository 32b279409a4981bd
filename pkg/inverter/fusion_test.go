package inverter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/solcurb/solcurb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFusion is an httptest stand-in for the FusionSolar API. It tracks the
// limit signal value and every write so tests can assert the exact call
// sequence.
type fakeFusion struct {
	mu         sync.Mutex
	limitValue string
	badLogin   bool
	noDevices  bool
	writes     []string
	reads      int
}

func (f *fakeFusion) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /unisso/v2/validateUser.action", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		bad := f.badLogin
		f.mu.Unlock()
		if bad {
			json.NewEncoder(w).Encode(map[string]any{"errorCode": "470", "errorMsg": "incorrect account or password"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "fake-session", Path: "/"})
		json.NewEncoder(w).Encode(map[string]any{"errorCode": nil, "errorMsg": nil})
	})

	mux.HandleFunc("GET /rest/neteco/web/config/device/v1/device-list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		none := f.noDevices
		f.mu.Unlock()
		devices := []map[string]any{}
		if !none {
			devices = append(devices, map[string]any{"dn": "NE=1001", "name": "SmartLogger3000", "mocTypeName": "SmartLogger"})
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": devices})
	})

	mux.HandleFunc("GET /rest/neteco/web/config/device/v1/signal", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.reads++
		value := f.limitValue
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"id": 21098, "name": "Limited Power Grid (kW)", "value": value},
		})
	})

	mux.HandleFunc("POST /rest/neteco/web/config/device/v1/signal", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DeviceDN string `json:"deviceDn"`
			ID       int    `json:"id"`
			Value    string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.writes = append(f.writes, body.Value)
		f.limitValue = body.Value
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	mux.HandleFunc("GET /unisso/logout.action", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func newTestFusion(t *testing.T, fake *fakeFusion) *Fusion {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return &Fusion{baseURL: srv.URL, timeout: 0}
}

func TestFusionLogin(t *testing.T) {
	ctx := context.Background()
	creds := types.Credentials{Username: "operator", Password: "hunter2"}

	t.Run("success", func(t *testing.T) {
		f := newTestFusion(t, &fakeFusion{limitValue: "5.000"})
		sess, err := f.Login(ctx, creds)
		require.NoError(t, err)
		require.NoError(t, sess.Logout(ctx))
	})

	t.Run("rejected credentials", func(t *testing.T) {
		f := newTestFusion(t, &fakeFusion{badLogin: true})
		_, err := f.Login(ctx, creds)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("missing credentials", func(t *testing.T) {
		f := newTestFusion(t, &fakeFusion{})
		_, err := f.Login(ctx, types.Credentials{})
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("unreachable surface is not an auth failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		f := &Fusion{baseURL: srv.URL}
		_, err := f.Login(ctx, creds)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrAuthFailed)
	})
}

func TestFusionReadLimit(t *testing.T) {
	ctx := context.Background()
	creds := types.Credentials{Username: "operator", Password: "hunter2"}

	tests := []struct {
		name  string
		value string
		want  types.PowerSetting
	}{
		{"numeric kW", "5.000", types.PowerSetting{LimitKW: 5}},
		{"large value", "600.000", types.PowerSetting{LimitKW: 600}},
		{"no limit marker", "No limit", types.PowerSetting{NoLimit: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFusion(t, &fakeFusion{limitValue: tt.value})
			sess, err := f.Login(ctx, creds)
			require.NoError(t, err)
			defer sess.Logout(ctx)

			got, err := sess.ReadLimit(ctx)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}

	t.Run("missing smartlogger", func(t *testing.T) {
		f := newTestFusion(t, &fakeFusion{noDevices: true})
		sess, err := f.Login(ctx, creds)
		require.NoError(t, err)
		defer sess.Logout(ctx)

		_, err = sess.ReadLimit(ctx)
		assert.ErrorIs(t, err, ErrElementMissing)
	})

	t.Run("garbage value", func(t *testing.T) {
		f := newTestFusion(t, &fakeFusion{limitValue: "n/a"})
		sess, err := f.Login(ctx, creds)
		require.NoError(t, err)
		defer sess.Logout(ctx)

		_, err = sess.ReadLimit(ctx)
		assert.ErrorIs(t, err, ErrElementMissing)
	})
}

func TestFusionWriteLimit(t *testing.T) {
	ctx := context.Background()
	fake := &fakeFusion{limitValue: "No limit"}
	f := newTestFusion(t, fake)

	sess, err := f.Login(ctx, types.Credentials{Username: "operator", Password: "hunter2"})
	require.NoError(t, err)
	defer sess.Logout(ctx)

	require.NoError(t, sess.WriteLimit(ctx, types.PowerSetting{LimitKW: 5}))
	assert.Equal(t, []string{"5.000"}, fake.writes, "kW is written with three decimals")

	got, err := sess.ReadLimit(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(types.PowerSetting{LimitKW: 5}))

	require.NoError(t, sess.WriteLimit(ctx, types.PowerSetting{NoLimit: true}))
	assert.Equal(t, []string{"5.000", "No limit"}, fake.writes)
}

func TestFusionSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newTestFusion(t, &fakeFusion{limitValue: "5.000"})

	sess, err := f.Login(ctx, types.Credentials{Username: "operator", Password: "hunter2"})
	require.NoError(t, err)
	defer sess.Logout(ctx)

	_, err = sess.ReadLimit(ctx)
	require.NoError(t, err)

	ev := sess.Snapshot()
	assert.Equal(t, "read-limit", ev.Stage)
	assert.Equal(t, "application/json", ev.ContentType)
	assert.Contains(t, string(ev.Body), "21098", "snapshot keeps the raw signal payload")
}

func TestFusionLogoutIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newTestFusion(t, &fakeFusion{limitValue: "5.000"})

	sess, err := f.Login(ctx, types.Credentials{Username: "operator", Password: "hunter2"})
	require.NoError(t, err)

	require.NoError(t, sess.Logout(ctx))
	require.NoError(t, sess.Logout(ctx), "second logout is a no-op")
}

func TestParseLimitValue(t *testing.T) {
	_, err := parseLimitValue("")
	assert.Error(t, err)

	got, err := parseLimitValue(" no limit ")
	require.NoError(t, err)
	assert.True(t, got.NoLimit)
}
