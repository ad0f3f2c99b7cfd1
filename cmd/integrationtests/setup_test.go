package integrationtests

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/clock"
	"auction-engine/internal/deposit"
	"auction-engine/internal/events"
	model "auction-engine/internal/models"
	"auction-engine/internal/policy"
	"auction-engine/internal/repository"
	"auction-engine/internal/server"
	"auction-engine/internal/settlement"
	"auction-engine/internal/sweeper"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	testSecret = []byte("integration-secret")
	start      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// TestEnv is a full stack over the in-memory store with a controllable clock
type TestEnv struct {
	Router *gin.Engine
	Repo   *repository.MemoryRepo
	Clock  *clock.Manual
	Events *events.Recorder
}

// SetupTestRouter initializes the router with in-memory repository for integration testing.
func SetupTestRouter(t *testing.T, auctions ...model.Auction) TestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := repository.NewMemoryRepo()
	for _, a := range auctions {
		repo.AddAuction(a)
	}

	p := policy.Default()
	p.BuyerFixedFee = 15_000
	p.SellerFeeRatePercent = decimal.RequireFromString("3.5")
	p.RetryBackoff = time.Millisecond

	c := clock.NewManual(start)
	rec := &events.Recorder{}
	ledger := deposit.NewLedger(repo, p, c, rec)
	service := bidding.NewBiddingService(repo, ledger, p, bidding.WithClock(c), bidding.WithPublisher(rec))
	engine := settlement.NewEngine(repo, ledger, p, c, rec)

	router := server.SetupRouter(server.RouterConfig{
		Service:   service,
		Sweeper:   sweeper.New(repo, engine, p, c, 100),
		JWTSecret: testSecret,
	})
	return TestEnv{Router: router, Repo: repo, Clock: c, Events: rec}
}

// LiveAuction is a running vehicle auction ending endIn after the test start
func LiveAuction(id string, endIn time.Duration, reserve *int64) model.Auction {
	return model.Auction{
		ID:           id,
		Status:       model.AuctionLive,
		SellerID:     "seller1",
		StartAt:      start.Add(-time.Hour),
		EndAt:        start.Add(endIn),
		StartPrice:   4_000_000,
		CurrentPrice: 4_000_000,
		MinBidStep:   25_000,
		ReservePrice: reserve,
	}
}

// Token returns a bearer header value for userID
func Token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := server.IssueToken(testSecret, userID, role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

// ExecuteRequestAndParse executes an HTTP request on the given router and parses the response
func ExecuteRequestAndParse(t *testing.T, router *gin.Engine, method, url, auth string, body any) (map[string]any, *httptest.ResponseRecorder) {
	t.Helper()

	var reqBody []byte
	var err error

	switch v := body.(type) {
	case nil:
	case []byte:
		reqBody = v
	case string:
		reqBody = []byte(v)
	default:
		reqBody, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, url, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	router.ServeHTTP(w, req)

	var resp map[string]any
	if len(w.Body.Bytes()) > 0 {
		err := json.Unmarshal(w.Body.Bytes(), &resp)
		if err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
	}
	return resp, w
}

// Data returns the "data" object of a success envelope
func Data(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	data, ok := resp["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", resp)
	return data
}

var reserve4M = lo.ToPtr(int64(4_000_000))

// httpRequest sends a request with extra headers and returns the raw recorder
func httpRequest(t *testing.T, env TestEnv, method, url, auth string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	reqBody, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(method, url, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}
