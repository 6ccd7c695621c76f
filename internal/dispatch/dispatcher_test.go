package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbsched/tbs/internal/schedules"
	"github.com/tbsched/tbs/internal/testutil"
)

var testRow = schedules.ClaimedRow{
	ID:         "11111111-2222-3333-4444-555555555555",
	Token:      "bot-token",
	UserID:     1001,
	ScenarioID: 77,
	Type:       schedules.TypeInterval,
}

// testDispatcher builds a Dispatcher with zeroed backoff so retry tests
// run instantly.
func testDispatcher(baseURL string, retries int) *Dispatcher {
	d := New(baseURL, 2*time.Second, retries, testutil.DiscardLogger())
	for i := range d.backoff {
		d.backoff[i] = 0
	}
	return d
}

func TestFireSuccess(t *testing.T) {
	var gotURL, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher(srv.URL, 2)
	res := d.Fire(context.Background(), testRow)

	require.NotNil(t, res.StatusCode)
	assert.Equal(t, http.StatusOK, *res.StatusCode)
	assert.Nil(t, res.ErrText)
	assert.Equal(t, "telegram-bot-scheduler/1.0", gotUA)
	assert.True(t, strings.HasPrefix(gotURL, "/?"), "query-only request, got %q", gotURL)
	assert.Contains(t, gotURL, "method=scenarioRun")
	assert.Contains(t, gotURL, "token=bot-token")
	assert.Contains(t, gotURL, "scenario_id=77")
	assert.Contains(t, gotURL, "user_id=1001")
}

func TestFireTrailingSlashBaseURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher(srv.URL+"/", 0)
	res := d.Fire(context.Background(), testRow)

	require.NotNil(t, res.StatusCode)
	assert.Equal(t, "/", gotPath)
}

func TestFireUpstreamErrorIsFinal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("oops")) //nolint:errcheck
	}))
	defer srv.Close()

	d := testDispatcher(srv.URL, 2)
	res := d.Fire(context.Background(), testRow)

	require.NotNil(t, res.StatusCode)
	assert.Equal(t, http.StatusInternalServerError, *res.StatusCode)
	require.NotNil(t, res.ErrText)
	assert.Equal(t, "HTTP 500: oops", *res.ErrText)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "error responses must not be retried")
}

func TestFireTransportErrorRetriesUntilExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	d := testDispatcher(srv.URL, 2)
	res := d.Fire(context.Background(), testRow)

	assert.Nil(t, res.StatusCode, "no HTTP response was ever received")
	require.NotNil(t, res.ErrText)
	assert.NotEmpty(t, *res.ErrText)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "retries+1 total attempts")
}

func TestFireTransportErrorThenSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher(srv.URL, 2)
	res := d.Fire(context.Background(), testRow)

	require.NotNil(t, res.StatusCode)
	assert.Equal(t, http.StatusOK, *res.StatusCode)
	assert.Nil(t, res.ErrText)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFireTruncatesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(strings.Repeat("x", 5000))) //nolint:errcheck
	}))
	defer srv.Close()

	d := testDispatcher(srv.URL, 0)
	res := d.Fire(context.Background(), testRow)

	require.NotNil(t, res.ErrText)
	assert.Equal(t, len("HTTP 400: ")+1000, len(*res.ErrText))
}

func TestFireCanceledContextStopsRetrying(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	d := New(srv.URL, 2*time.Second, 5, testutil.DiscardLogger())
	for i := range d.backoff {
		d.backoff[i] = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Fire(ctx, testRow)
	require.NotNil(t, res.ErrText)
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestBackoffSchedule(t *testing.T) {
	assert.Empty(t, backoffSchedule(0))
	assert.Equal(t,
		[]time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
		backoffSchedule(3))
}
