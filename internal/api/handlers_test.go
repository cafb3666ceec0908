package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primestrides/outreach/internal/accounts"
	"github.com/primestrides/outreach/internal/config"
	"github.com/primestrides/outreach/internal/dispatch"
	"github.com/primestrides/outreach/internal/reputation"
	"github.com/primestrides/outreach/internal/schedule"
)

type apiFixture struct {
	router http.Handler
	mock   sqlmock.Sqlmock
	store  *reputation.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := reputation.NewStore(client)

	sending := config.SendingConfig{
		Timezone:  "America/New_York",
		HourStart: 9,
		HourEnd:   17,
	}
	registry, err := accounts.NewRegistry([]config.AccountConfig{
		{Email: "alex@primestrides.com", SenderName: "Alex Rivera", DailyCap: 50},
	}, config.WarmupConfig{}, sending)
	require.NoError(t, err)

	cal, err := schedule.NewCalendar(sending)
	require.NoError(t, err)

	h := NewHandlers(dispatch.NewQueue(db), registry, store, cal)
	return &apiFixture{router: SetupRoutes(h), mock: mock, store: store}
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestEnqueueRequestAccepted(t *testing.T) {
	f := newAPIFixture(t)
	f.mock.ExpectExec("INSERT INTO send_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := f.do(http.MethodPost, "/api/queue/", `{
		"recipient": "jane@acme.com",
		"subject": "Quick question",
		"text_body": "Hi Jane,"
	}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id"`)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEnqueueRequestRejectsBadKind(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/queue/", `{
		"kind": "bulk",
		"recipient": "jane@acme.com",
		"subject": "s",
		"text_body": "b"
	}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueRequestRejectsUnknownThreadAccount(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/queue/", `{
		"kind": "followup_thread",
		"recipient": "jane@acme.com",
		"subject": "Re: hi",
		"text_body": "b",
		"thread_account": "gone@primestrides.com"
	}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "thread_account")
}

func TestEnqueueRequestRejectsBadTimestamp(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/queue/", `{
		"recipient": "jane@acme.com",
		"subject": "s",
		"text_body": "b",
		"not_before": "tomorrow"
	}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "RFC3339")
}

func TestGetQueueDepth(t *testing.T) {
	f := newAPIFixture(t)
	f.mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	rec := f.do(http.MethodGet, "/api/queue/depth", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"depth":7`)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestBlockUnblockAccount(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	rec := f.do(http.MethodPost, "/api/accounts/alex@primestrides.com/block",
		`{"reason": "manual hold"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	blocked, reason, err := f.store.IsBlocked(ctx, "alex@primestrides.com")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, "manual hold", reason)

	rec = f.do(http.MethodPost, "/api/accounts/alex@primestrides.com/unblock", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	blocked, _, err = f.store.IsBlocked(ctx, "alex@primestrides.com")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestBlockUnknownAccount(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/accounts/ghost@primestrides.com/block", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAccounts(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/api/accounts/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alex@primestrides.com")
	assert.Contains(t, rec.Body.String(), `"active":1`)
}
