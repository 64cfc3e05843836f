package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/offer-orchestrator/internal/config"
	"github.com/sells-group/offer-orchestrator/internal/orchestrator"
	"github.com/sells-group/offer-orchestrator/internal/resilience"
	"github.com/sells-group/offer-orchestrator/internal/store"
	"github.com/sells-group/offer-orchestrator/internal/upstream"
	"github.com/sells-group/offer-orchestrator/pkg/memberdata"
	"github.com/sells-group/offer-orchestrator/pkg/offerengine"
	"github.com/sells-group/offer-orchestrator/pkg/prediction"
)

func jsonDecode(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

// newTestEnv wires a full application environment against fake upstreams and
// a throwaway sqlite decision log.
func newTestEnv(t *testing.T, historySrv, predictionSrv, offerSrv *httptest.Server) *appEnv {
	t.Helper()

	cfg = &config.Config{
		Server: config.ServerConfig{RequestIDHeader: "X-Request-ID"},
	}

	retry := resilience.RetryConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond}
	newExec := func(service, baseURL string) *upstream.Client {
		return upstream.New(service, baseURL, upstream.WithRetry(retry))
	}

	decisions, err := store.NewSQLite(filepath.Join(t.TempDir(), "decisions.db"))
	require.NoError(t, err)
	require.NoError(t, decisions.Migrate(t.Context()))
	t.Cleanup(func() { decisions.Close() }) //nolint:errcheck

	orch := orchestrator.New(
		memberdata.New(newExec(memberdata.Service, historySrv.URL)),
		prediction.New(newExec(prediction.Service, predictionSrv.URL)),
		offerengine.New(newExec(offerengine.Service, offerSrv.URL)),
		orchestrator.WithDecisionLog(decisions),
	)
	return &appEnv{Orchestrator: orch, Decisions: decisions}
}

func happyUpstreams(t *testing.T) (*httptest.Server, *httptest.Server, *httptest.Server) {
	t.Helper()
	history := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	t.Cleanup(history.Close)

	predictions := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/ats/") {
			w.Write([]byte(`{"prediction": 0.8}`)) //nolint:errcheck
			return
		}
		w.Write([]byte(`{"prediction": 0.2}`)) //nolint:errcheck
	}))
	t.Cleanup(predictions.Close)

	offers := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"offer":"OFFER_A"}`)) //nolint:errcheck
	}))
	t.Cleanup(offers.Close)

	return history, predictions, offers
}

const validBody = `{
	"memberId": "m-1",
	"lastTransactionUtcTs": "2024-03-01 10:00:00",
	"lastTransactionType": "BUY",
	"lastTransactionPointsBought": 100,
	"lastTransactionRevenueUsd": 10
}`

func TestServerAssignOffer(t *testing.T) {
	history, predictions, offers := happyUpstreams(t)
	env := newTestEnv(t, history, predictions, offers)
	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/member/offer", "application/json", strings.NewReader(validBody))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body struct {
		MemberID string `json:"memberId"`
		Offer    string `json:"offer"`
	}
	require.NoError(t, jsonDecode(resp, &body))
	assert.Equal(t, "m-1", body.MemberID)
	assert.Equal(t, "OFFER_A", body.Offer)

	// The run was recorded.
	decisions, err := env.Decisions.List(t.Context(), store.DecisionFilter{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "OFFER_A", decisions[0].Offer)
}

func TestServerEchoesCallerRequestID(t *testing.T) {
	history, predictions, offers := happyUpstreams(t)
	env := newTestEnv(t, history, predictions, offers)
	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/member/offer", strings.NewReader(validBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "caller-supplied-id")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, "caller-supplied-id", resp.Header.Get("X-Request-ID"))
}

func TestServerRejectsInvalidBody(t *testing.T) {
	history, predictions, offers := happyUpstreams(t)
	env := newTestEnv(t, history, predictions, offers)
	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	for _, body := range []string{
		`not json`,
		`{"memberId":""}`,
		`{"memberId":"m-1","lastTransactionUtcTs":"2024-03-01 10:00:00","lastTransactionType":"SELL","lastTransactionPointsBought":1,"lastTransactionRevenueUsd":1}`,
	} {
		resp, err := http.Post(srv.URL+"/member/offer", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close() //nolint:errcheck
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body: %s", body)
	}
}

func TestServerMapsUpstreamFailureTo502(t *testing.T) {
	history, predictions, _ := happyUpstreams(t)
	brokenOffers := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rules engine down", http.StatusInternalServerError)
	}))
	defer brokenOffers.Close()

	env := newTestEnv(t, history, predictions, brokenOffers)
	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/member/offer", "application/json", strings.NewReader(validBody))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body struct {
		Detail struct {
			Service    string `json:"service"`
			StatusCode int    `json:"status_code"`
			Message    string `json:"message"`
		} `json:"detail"`
	}
	require.NoError(t, jsonDecode(resp, &body))
	assert.Equal(t, "offer", body.Detail.Service)
	assert.Equal(t, http.StatusInternalServerError, body.Detail.StatusCode)
	assert.NotEmpty(t, body.Detail.Message)

	decisions, err := env.Decisions.List(t.Context(), store.DecisionFilter{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "offer", decisions[0].FailedService)
}

func TestServerHealthAndStats(t *testing.T) {
	history, predictions, offers := happyUpstreams(t)
	env := newTestEnv(t, history, predictions, offers)
	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap struct {
		Total         int `json:"total"`
		LookbackHours int `json:"lookback_hours"`
	}
	require.NoError(t, jsonDecode(resp, &snap))
	assert.Equal(t, 24, snap.LookbackHours)
}
