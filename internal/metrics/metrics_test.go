package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/exnus/points-miner/internal/mining"
	"github.com/exnus/points-miner/internal/storage"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want 200", w.Code)
	}
	body, err := io.ReadAll(w.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestObserverCounters(t *testing.T) {
	c := NewCollector()
	u := &storage.User{WalletAddress: "Wallet1", Points: 1000}

	c.TaskCompleted("Wallet1", storage.TaskTelegram)
	c.TaskCompleted("Wallet1", storage.TaskTelegram)
	c.TaskCompleted("Wallet1", storage.TaskX)
	c.MiningActivated(u)
	c.RewardClaimed(u, 1000)
	c.RewardClaimed(u, 1000)
	c.ReferralBonusPaid("Referrer", "Wallet1", 100)

	body := scrape(t, c)
	want := []string{
		`points_tasks_completed_total{task="task1"} 2`,
		`points_tasks_completed_total{task="task3"} 1`,
		`points_sessions_started_total 1`,
		`points_rewards_claimed_total 2`,
		`points_reward_points_total 2000`,
		`points_referral_bonuses_paid_total 1`,
		`points_referral_bonus_points_total 100`,
	}
	for _, line := range want {
		if !strings.Contains(body, line) {
			t.Errorf("exposition missing %q", line)
		}
	}
}

func TestUpdateStats(t *testing.T) {
	c := NewCollector()

	c.UpdateStats(&mining.Stats{TotalPointsMined: 4200, ActiveMiners: 3, TotalUsers: 12})

	body := scrape(t, c)
	for _, line := range []string{
		"points_total_points 4200",
		"points_active_miners 3",
		"points_users 12",
	} {
		if !strings.Contains(body, line) {
			t.Errorf("exposition missing %q", line)
		}
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := NewCollector()

	r := gin.New()
	r.Use(c.Middleware())
	r.GET("/api/users/:address", func(ctx *gin.Context) { ctx.Status(http.StatusOK) })

	for _, path := range []string{"/api/users/a", "/api/users/b", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t, c)
	for _, line := range []string{
		`points_http_requests_total{method="GET",route="/api/users/:address",status="200"} 2`,
		`points_http_requests_total{method="GET",route="unmatched",status="404"} 1`,
		`points_http_request_duration_seconds_count{route="/api/users/:address"} 2`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("exposition missing %q", line)
		}
	}
}

func TestRuntimeCollectors(t *testing.T) {
	body := scrape(t, NewCollector())
	if !strings.Contains(body, "go_goroutines") {
		t.Error("exposition should include Go runtime metrics")
	}
}
