package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/queue"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return New(Deps{
		DB:            stubPinger{},
		Queue:         queue.New(store.Jobs()),
		Subscriptions: store.Subscriptions(),
		Profiles:      store.Profiles(),
		NotifyConfigs: store.NotificationConfigs(),
		Jobs:          store.Jobs(),
	}), store
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzFailsWhenDBDown(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	s.db = stubPinger{err: errors.New("connection refused")}

	rec := doJSON(t, s.Router(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUpsertSubscription(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/subscriptions",
		`{"handle":"@Alice","tags":["kol","defi"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	sub, err := store.Subscriptions().Upsert(context.Background(), domain.Subscription{
		Handle: "alice", Status: domain.SubscriptionActive, Tags: []string{"kol", "defi"},
	})
	require.NoError(t, err)
	// The handler lowercased and stripped the @: same row, no duplicate.
	got, err := store.Subscriptions().Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Handle)
}

func TestUpsertSubscriptionValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/subscriptions", `{"tags":["x"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/subscriptions", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpsertProfileValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	h := s.Router()

	// groupBy outside the closed set.
	rec := doJSON(t, h, http.MethodPost, "/api/v1/profiles",
		`{"name":"daily","cron":"0 9 * * *","windowHours":24,"groupBy":"bogus"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/profiles",
		`{"name":"daily","enabled":true,"cron":"0 9 * * *","windowHours":24,"groupBy":"cluster"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var profile domain.ReportProfile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.NotEmpty(t, profile.ID)
	assert.Equal(t, domain.GroupByCluster, profile.GroupBy)
}

func TestTriggerReport(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)
	h := s.Router()

	profile, err := store.Profiles().Upsert(context.Background(), domain.ReportProfile{
		Name: "daily", Enabled: true, Cron: "0 9 * * *",
		WindowHours: 24, GroupBy: domain.GroupByTag,
	})
	require.NoError(t, err)

	windowEnd := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	rec := doJSON(t, h, http.MethodPost, "/api/v1/reports/trigger",
		`{"profileId":"`+profile.ID+`","notify":true,"windowEnd":"2026-08-20T09:00:00Z"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	j, err := store.Jobs().FindActiveByType(context.Background(), domain.JobReportProfile)
	require.NoError(t, err)
	var payload domain.ReportProfilePayload
	require.NoError(t, json.Unmarshal(j.Payload, &payload))
	assert.Equal(t, profile.ID, payload.ProfileID)
	assert.True(t, payload.Notify)
	assert.True(t, payload.WindowEnd.Equal(windowEnd))
}

func TestTriggerReportUnknownProfile(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodPost, "/api/v1/reports/trigger",
		`{"profileId":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)
	j, err := store.Jobs().Create(context.Background(), domain.Job{
		Type: domain.JobClassifyTweets, Status: domain.JobPending,
	})
	require.NoError(t, err)

	rec := doJSON(t, s.Router(), http.MethodGet, "/api/v1/jobs/"+j.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), j.ID)

	rec = doJSON(t, s.Router(), http.MethodGet, "/api/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSaveNotificationConfig(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodPut, "/api/v1/notifications",
		`{"enabled":true,"webhookUrl":"https://hooks.example.com/send","itemsPerMessage":5}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	cfg, err := store.NotificationConfigs().Get(context.Background())
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "https://hooks.example.com/send", cfg.WebhookURL)
}
