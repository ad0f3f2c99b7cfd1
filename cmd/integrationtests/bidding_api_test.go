package integrationtests

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"auction-engine/internal/events"
	model "auction-engine/internal/models"
	"auction-engine/internal/server"
	"auction-engine/services/bidding/helpers"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func bidURL(auctionID string) string     { return "/auctions/" + auctionID + "/bids" }
func depositURL(auctionID string) string { return "/auctions/" + auctionID + "/deposits" }
func tickURL(auctionID string) string    { return "/auctions/" + auctionID + "/tick" }

func holdDeposit(t *testing.T, env TestEnv, auctionID, userID string) {
	t.Helper()
	_, w := ExecuteRequestAndParse(t, env.Router, http.MethodPost, depositURL(auctionID), Token(t, userID, server.RoleBidder), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func placeBid(t *testing.T, env TestEnv, auctionID, userID string, amount int64) map[string]any {
	t.Helper()
	resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodPost, bidURL(auctionID), Token(t, userID, server.RoleBidder), helpers.PlaceBidRequest{Amount: amount})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return Data(t, resp)
}

// PlaceBidHandler rejection Tests
func TestPlaceBid_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		auction    model.Auction
		bidder     string
		deposit    bool
		advance    time.Duration
		amount     int64
		wantStatus int
		wantReason string
	}{
		{name: "Valid_Bid", auction: LiveAuction("a1", time.Hour, nil), bidder: "user1", deposit: true, amount: 4_025_000, wantStatus: http.StatusCreated},
		{name: "No_Deposit", auction: LiveAuction("a1", time.Hour, nil), bidder: "user1", amount: 4_025_000, wantStatus: http.StatusForbidden, wantReason: "DEPOSIT_REQUIRED"},
		{name: "Seller_Bids", auction: LiveAuction("a1", time.Hour, nil), bidder: "seller1", amount: 4_025_000, wantStatus: http.StatusForbidden, wantReason: "SELLER_CANNOT_BID"},
		{name: "Below_Step", auction: LiveAuction("a1", time.Hour, nil), bidder: "user1", deposit: true, amount: 4_010_000, wantStatus: http.StatusUnprocessableEntity, wantReason: "BID_TOO_LOW"},
		{name: "Off_Increment", auction: LiveAuction("a1", time.Hour, nil), bidder: "user1", deposit: true, amount: 4_030_000, wantStatus: http.StatusUnprocessableEntity, wantReason: "INVALID_INCREMENT"},
		{name: "After_End", auction: LiveAuction("a1", time.Minute, nil), bidder: "user1", deposit: true, advance: 2 * time.Minute, amount: 4_025_000, wantStatus: http.StatusConflict, wantReason: "AUCTION_ENDED"},
		{name: "Unknown_Auction", auction: LiveAuction("other", time.Hour, nil), bidder: "user1", amount: 4_025_000, wantStatus: http.StatusNotFound, wantReason: "AUCTION_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := SetupTestRouter(t, tt.auction)
			if tt.deposit {
				holdDeposit(t, env, "a1", tt.bidder)
			}
			env.Clock.Advance(tt.advance)

			resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodPost, bidURL("a1"), Token(t, tt.bidder, server.RoleBidder), helpers.PlaceBidRequest{Amount: tt.amount})
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantReason != "" {
				require.Equal(t, tt.wantReason, resp["reason"])
			}
		})
	}
}

func TestPlaceBid_Unauthenticated(t *testing.T) {
	env := SetupTestRouter(t, LiveAuction("a1", time.Hour, nil))

	_, w := ExecuteRequestAndParse(t, env.Router, http.MethodPost, bidURL("a1"), "", helpers.PlaceBidRequest{Amount: 4_025_000})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPlaceBid_IdempotencyKey(t *testing.T) {
	env := SetupTestRouter(t, LiveAuction("a1", time.Hour, nil))
	holdDeposit(t, env, "a1", "user1")

	send := func() (map[string]any, int) {
		req := helpers.PlaceBidRequest{Amount: 4_025_000}
		w := httpRequest(t, env, http.MethodPost, bidURL("a1"), Token(t, "user1", server.RoleBidder), req, map[string]string{"Idempotency-Key": "retry-42"})
		return decodeBody(t, w), w.Code
	}

	first, code := send()
	require.Equal(t, http.StatusCreated, code)
	second, code := send()
	require.Equal(t, http.StatusOK, code)

	require.Equal(t, true, Data(t, second)["replayed"])
	require.Equal(t, Data(t, first)["bid"].(map[string]any)["bid_id"], Data(t, second)["bid"].(map[string]any)["bid_id"])

	resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodGet, bidURL("a1"), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp["data"].([]any), 1)
	require.Len(t, env.Events.Subject(events.SubjectBidPlaced), 1)
}

// Full lifecycle: deposits, bids with anti-sniping, sweep, settlement
func TestAuctionLifecycle_Sold(t *testing.T) {
	env := SetupTestRouter(t, LiveAuction("a1", 5*time.Minute, reserve4M))
	holdDeposit(t, env, "a1", "user1")
	holdDeposit(t, env, "a1", "user2")

	// 5 minutes left: inside the window, the end moves to now+10m
	first := placeBid(t, env, "a1", "user1", 4_025_000)
	require.Equal(t, true, first["extended"])
	require.Equal(t, start.Add(10*time.Minute).Format(time.RFC3339Nano), first["end_at"])

	env.Clock.Advance(8 * time.Minute)
	second := placeBid(t, env, "a1", "user2", 4_050_000)
	require.Equal(t, true, second["extended"])
	require.Equal(t, start.Add(18*time.Minute).Format(time.RFC3339Nano), second["end_at"])

	resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodGet, "/auctions/a1/leader", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "user2", Data(t, resp)["bidder_id"])

	resp, w = ExecuteRequestAndParse(t, env.Router, http.MethodPost, tickURL("a1"), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "live", Data(t, resp)["status"])
	require.Equal(t, 600.0, Data(t, resp)["time_left"])

	// only operators may sweep
	_, w = ExecuteRequestAndParse(t, env.Router, http.MethodPost, "/sweep", Token(t, "user1", server.RoleBidder), nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	env.Clock.Advance(11 * time.Minute)
	resp, w = ExecuteRequestAndParse(t, env.Router, http.MethodPost, "/sweep", Token(t, "ops", server.RoleScheduler), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := Data(t, resp)
	require.Equal(t, 1.0, report["processed_count"])
	result := report["results"].([]any)[0].(map[string]any)
	require.Equal(t, "finished", result["status"])
	require.Equal(t, "user2", result["winner_id"])
	require.Equal(t, 4_050_000.0, result["final_price"])
	require.Equal(t, true, result["reserve_met"])

	// a second sweep finds nothing due
	resp, w = ExecuteRequestAndParse(t, env.Router, http.MethodPost, "/sweep", Token(t, "ops", server.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 0.0, Data(t, resp)["processed_count"])

	resp, w = ExecuteRequestAndParse(t, env.Router, http.MethodPost, tickURL("a1"), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "finished", Data(t, resp)["status"])
	require.Equal(t, 0.0, Data(t, resp)["time_left"])
	require.Equal(t, "user2", Data(t, resp)["winner_id"])

	ctx := context.Background()
	txn, err := env.Repo.GetTransaction(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "user2", txn.BuyerID)
	require.Equal(t, "seller1", txn.SellerID)
	require.Equal(t, int64(4_050_000), txn.VehicleAmount)
	require.Equal(t, int64(15_000+141_750), txn.FeeAmount)

	deposits, err := env.Repo.GetDepositsByAuction(ctx, "a1")
	require.NoError(t, err)
	byUser := lo.KeyBy(deposits, func(d model.Deposit) string { return d.UserID })
	require.Equal(t, model.DepositCaptured, byUser["user2"].Status)
	require.Equal(t, model.DepositReleased, byUser["user1"].Status)

	closed := env.Events.Subject(events.SubjectAuctionClosed)
	require.Len(t, closed, 1)
	require.Equal(t, txn.ID, closed[0].(events.AuctionClosed).TransactionID)

	// bidding on a finished auction is a state conflict
	resp, w = ExecuteRequestAndParse(t, env.Router, http.MethodPost, bidURL("a1"), Token(t, "user1", server.RoleBidder), helpers.PlaceBidRequest{Amount: 4_100_000})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "AUCTION_NOT_ACTIVE", resp["reason"])
}

func TestAuctionLifecycle_ReserveNotMet(t *testing.T) {
	auction := LiveAuction("a1", time.Hour, reserve4M)
	auction.StartPrice, auction.CurrentPrice = 3_800_000, 3_875_000
	env := SetupTestRouter(t, auction)
	holdDeposit(t, env, "a1", "user1")
	placeBid(t, env, "a1", "user1", 3_900_000)

	env.Clock.Advance(61 * time.Minute)

	// the public tick settles an overdue auction on its own
	resp, w := ExecuteRequestAndParse(t, env.Router, http.MethodPost, tickURL("a1"), "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := Data(t, resp)
	require.Equal(t, "finished", data["status"])
	require.NotContains(t, data, "winner_id")

	a, err := env.Repo.GetAuction(context.Background(), "a1")
	require.NoError(t, err)
	require.Nil(t, a.WinnerID)
	require.False(t, lo.FromPtr(a.ReserveMet))
	require.Equal(t, int64(3_900_000), a.CurrentPrice)

	_, err = env.Repo.GetTransaction(context.Background(), "a1")
	require.Error(t, err)

	deposits, err := env.Repo.GetDepositsByAuction(context.Background(), "a1")
	require.NoError(t, err)
	require.True(t, lo.EveryBy(deposits, func(d model.Deposit) bool { return d.Status == model.DepositReleased }))
}

// Concurrent bidders on one auction: equal amounts admit exactly one
func TestPlaceBid_ConcurrentEqualBids(t *testing.T) {
	env := SetupTestRouter(t, LiveAuction("a1", time.Hour, nil))
	users := make([]string, 10)
	for i := range users {
		users[i] = fmt.Sprintf("user%d", i)
		holdDeposit(t, env, "a1", users[i])
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, w := ExecuteRequestAndParse(t, env.Router, http.MethodPost, bidURL("a1"), Token(t, userID, server.RoleBidder), helpers.PlaceBidRequest{Amount: 4_025_000})
			mu.Lock()
			codes[w.Code]++
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	require.Equal(t, 1, codes[http.StatusCreated])
	require.Equal(t, len(users)-1, codes[http.StatusUnprocessableEntity])
}
