package services

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/luminachat/backend/internal/catalog"
	"github.com/luminachat/backend/internal/config"
	"github.com/luminachat/backend/internal/models"
	"github.com/luminachat/backend/pkg/response"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{},
		&models.Chat{},
		&models.Message{},
		&models.DailyUsage{},
		&models.ProUsageMonitoring{},
		&models.ProUsageLog{},
	); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}

func testQuota() *config.QuotaConfig {
	return &config.QuotaConfig{
		FreeDailyRequests: 20,
		FreeDailyTokens:   5000,
		SoftWarnRatio:     0.7,
	}
}

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	cat := catalog.New(rand.New(rand.NewSource(1)))
	return NewLedger(db, cat, testQuota()), db
}

func createFreeUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := models.User{Email: "free@example.com", Role: "user", IsActive: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return &user
}

func createProUser(t *testing.T, db *gorm.DB, planType string, credits float64) *models.User {
	t.Helper()
	expires := time.Now().Add(30 * 24 * time.Hour)
	user := models.User{
		Email:               planType + "@example.com",
		Role:                "user",
		IsActive:            true,
		IsPro:               true,
		ProPlanType:         planType,
		ProExpiresAt:        &expires,
		ProCreditsRemaining: credits,
		ProCreditsTotal:     credits,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create pro user: %v", err)
	}
	return &user
}

func TestCheckLimits_UnknownUser(t *testing.T) {
	ledger, _ := newTestLedger(t)

	d := ledger.CheckLimits(context.Background(), LimitCheck{UserID: 9999, ModelID: "gpt-4o-mini"})
	if d.Allowed {
		t.Fatal("unknown user should be denied")
	}
	if d.Reason != response.ReasonUserNotFound {
		t.Errorf("Reason = %q, want USER_NOT_FOUND", d.Reason)
	}
}

func TestCheckLimits_FreshFreeUserAllowed(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createFreeUser(t, db)

	d := ledger.CheckLimits(context.Background(), LimitCheck{UserID: user.ID, ModelID: "gpt-4o-mini", EstimatedTokens: 2})
	if !d.Allowed {
		t.Fatalf("fresh user should be allowed, got reason %q", d.Reason)
	}
	if d.Warning != "" {
		t.Errorf("fresh user should have no warning, got %q", d.Warning)
	}
}

func TestCheckLimits_FreeUserPaidModel(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createFreeUser(t, db)

	d := ledger.CheckLimits(context.Background(), LimitCheck{UserID: user.ID, ModelID: "gpt-4o", EstimatedTokens: 2})
	if d.Allowed {
		t.Fatal("free user should not access paid models")
	}
	if d.Reason != response.ReasonNotProUser {
		t.Errorf("Reason = %q, want NOT_PRO_USER", d.Reason)
	}
}

func TestCheckLimits_DailyRequestLimit(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createFreeUser(t, db)

	db.Create(&models.DailyUsage{
		UserID:        user.ID,
		Date:          models.UsageDate(time.Now()),
		RequestsCount: 20,
	})

	d := ledger.CheckLimits(context.Background(), LimitCheck{UserID: user.ID, ModelID: "gpt-4o-mini", EstimatedTokens: 2})
	if d.Allowed {
		t.Fatal("user at the request limit should be denied")
	}
	if d.Reason != response.ReasonDailyRequestLimit {
		t.Errorf("Reason = %q, want DAILY_REQUEST_LIMIT_EXCEEDED", d.Reason)
	}
}

// The pending message's estimate counts against the token ceiling: one token
// of headroom is not enough for a two-token message, ten tokens is.
func TestCheckLimits_TokenLimitCountsEstimate(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createFreeUser(t, db)

	usage := models.DailyUsage{
		UserID:     user.ID,
		Date:       models.UsageDate(time.Now()),
		TokensUsed: 4999,
	}
	db.Create(&usage)

	d := ledger.CheckLimits(context.Background(), LimitCheck{UserID: user.ID, ModelID: "gpt-4o-mini", EstimatedTokens: 2})
	if d.Allowed {
		t.Fatal("4999 used + 2 estimated should exceed the 5000 ceiling")
	}
	if d.Reason != response.ReasonDailyTokenLimit {
		t.Errorf("Reason = %q, want DAILY_TOKEN_LIMIT_EXCEEDED", d.Reason)
	}

	db.Model(&usage).Update("tokens_used", 4990)
	d = ledger.CheckLimits(context.Background(), LimitCheck{UserID: user.ID, ModelID: "gpt-4o-mini", EstimatedTokens: 2})
	if !d.Allowed {
		t.Fatalf("4990 used + 2 estimated should fit, got reason %q", d.Reason)
	}
}

func TestCheckLimits_SoftWarningNeverBlocks(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createFreeUser(t, db)

	db.Create(&models.DailyUsage{
		UserID:        user.ID,
		Date:          models.UsageDate(time.Now()),
		RequestsCount: 15, // 75% of 20
	})

	d := ledger.CheckLimits(context.Background(), LimitCheck{UserID: user.ID, ModelID: "gpt-4o-mini", EstimatedTokens: 2})
	if !d.Allowed {
		t.Fatalf("warning threshold must not block, got reason %q", d.Reason)
	}
	if d.Warning == "" {
		t.Error("expected a soft warning at 75% of the request allotment")
	}
}

func TestCheckLimits_DatabaseErrorFailsClosed(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createFreeUser(t, db)

	if err := db.Migrator().DropTable(&models.DailyUsage{}); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}

	d := ledger.CheckLimits(context.Background(), LimitCheck{UserID: user.ID, ModelID: "gpt-4o-mini", EstimatedTokens: 2})
	if d.Allowed {
		t.Fatal("a quota-store failure must deny, not allow")
	}
	if d.Reason != response.ReasonDatabaseError {
		t.Errorf("Reason = %q, want DATABASE_ERROR", d.Reason)
	}
}

func TestCheckLimits_ExpiredSubscription(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createProUser(t, db, "starter", 100)
	expired := time.Now().Add(-time.Hour)
	db.Model(user).Update("pro_expires_at", expired)

	d := ledger.CheckLimits(context.Background(), LimitCheck{UserID: user.ID, ModelID: "gpt-4o", EstimatedTokens: 2})
	if d.Allowed {
		t.Fatal("expired subscription should be denied")
	}
	if d.Reason != response.ReasonSubscriptionExpired {
		t.Errorf("Reason = %q, want SUBSCRIPTION_EXPIRED", d.Reason)
	}
}

func TestCheckLimits_ModelAbovePlanCeiling(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createProUser(t, db, "starter", 100)

	// o3 costs 20, the starter ceiling is 5.
	d := ledger.CheckLimits(context.Background(), LimitCheck{UserID: user.ID, ModelID: "o3", EstimatedTokens: 2})
	if d.Allowed {
		t.Fatal("model above the plan ceiling should be denied")
	}
	if d.Reason != response.ReasonModelNotAvailableForPlan {
		t.Errorf("Reason = %q, want MODEL_NOT_AVAILABLE_FOR_PLAN", d.Reason)
	}
	if d.ModelCost != 20 || d.PlanCeiling != 5 {
		t.Errorf("ModelCost/PlanCeiling = %.0f/%.0f, want 20/5", d.ModelCost, d.PlanCeiling)
	}
}

func TestCheckLimits_InsufficientCredits(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createProUser(t, db, "starter", 3)

	// gpt-4o costs 5 credits, the user has 3.
	d := ledger.CheckLimits(context.Background(), LimitCheck{UserID: user.ID, ModelID: "gpt-4o", EstimatedTokens: 2})
	if d.Allowed {
		t.Fatal("insufficient credits should be denied")
	}
	if d.Reason != response.ReasonInsufficientCredits {
		t.Errorf("Reason = %q, want INSUFFICIENT_CREDITS", d.Reason)
	}
	if d.CreditsRemaining != 3 || d.CreditsNeeded != 5 {
		t.Errorf("CreditsRemaining/CreditsNeeded = %.1f/%.1f, want 3/5", d.CreditsRemaining, d.CreditsNeeded)
	}
}

func TestCheckLimits_ProDailyMessageLimit(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createProUser(t, db, "starter", 1000)

	db.Create(&models.ProUsageMonitoring{
		UserID:        user.ID,
		Date:          models.UsageDate(time.Now()),
		MessagesCount: 100, // starter daily message limit
	})

	d := ledger.CheckLimits(context.Background(), LimitCheck{UserID: user.ID, ModelID: "gpt-4o", EstimatedTokens: 2})
	if d.Allowed {
		t.Fatal("pro user at the message limit should be denied")
	}
	if d.Reason != response.ReasonDailyMessageLimit {
		t.Errorf("Reason = %q, want DAILY_MESSAGE_LIMIT_EXCEEDED", d.Reason)
	}
}

func TestCommitUsage_FreeUserAccumulates(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createFreeUser(t, db)
	ctx := context.Background()

	if err := ledger.CommitUsage(ctx, user.ID, "chat-1", "gpt-4o-mini", 100, 40); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	if err := ledger.CommitUsage(ctx, user.ID, "chat-1", "gpt-4o-mini", 50, 20); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}

	var usage models.DailyUsage
	if err := db.Where("user_id = ? AND date = ?", user.ID, models.UsageDate(time.Now())).First(&usage).Error; err != nil {
		t.Fatalf("daily usage row not found: %v", err)
	}
	if usage.RequestsCount != 2 {
		t.Errorf("RequestsCount = %d, want 2", usage.RequestsCount)
	}
	if usage.TokensUsed != 150 {
		t.Errorf("TokensUsed = %d, want 150", usage.TokensUsed)
	}

	var logCount int64
	db.Model(&models.ProUsageLog{}).Where("user_id = ?", user.ID).Count(&logCount)
	if logCount != 2 {
		t.Errorf("usage log rows = %d, want 2", logCount)
	}

	var reloaded models.User
	db.First(&reloaded, user.ID)
	if reloaded.ProCreditsRemaining != 0 {
		t.Errorf("free user credits should stay 0, got %.1f", reloaded.ProCreditsRemaining)
	}
}

func TestCommitUsage_ConcurrentCommitsMerge(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createFreeUser(t, db)
	ctx := context.Background()

	// Both commits race on the same (user, date) row; the upsert must merge
	// them into the sum of both deltas.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ledger.CommitUsage(ctx, user.ID, "chat-1", "gpt-4o-mini", 100, 40)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}

	var usage models.DailyUsage
	if err := db.Where("user_id = ? AND date = ?", user.ID, models.UsageDate(time.Now())).First(&usage).Error; err != nil {
		t.Fatalf("daily usage row not found: %v", err)
	}
	if usage.RequestsCount != 2 {
		t.Errorf("RequestsCount = %d, want 2", usage.RequestsCount)
	}
	if usage.TokensUsed != 200 {
		t.Errorf("TokensUsed = %d, want 200", usage.TokensUsed)
	}
}

func TestCommitUsage_ProDebitsCredits(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createProUser(t, db, "plus", 100)
	ctx := context.Background()

	// claude-sonnet-4 costs 8 credits.
	if err := ledger.CommitUsage(ctx, user.ID, "chat-2", "claude-sonnet-4", 500, 80); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	var reloaded models.User
	db.First(&reloaded, user.ID)
	if reloaded.ProCreditsRemaining != 92 {
		t.Errorf("ProCreditsRemaining = %.1f, want 92", reloaded.ProCreditsRemaining)
	}

	var pro models.ProUsageMonitoring
	if err := db.Where("user_id = ? AND date = ?", user.ID, models.UsageDate(time.Now())).First(&pro).Error; err != nil {
		t.Fatalf("pro usage row not found: %v", err)
	}
	if pro.MessagesCount != 1 || pro.TokensUsed != 500 || pro.CreditsSpent != 8 {
		t.Errorf("pro usage = %d msgs / %d tokens / %.1f credits, want 1/500/8",
			pro.MessagesCount, pro.TokensUsed, pro.CreditsSpent)
	}

	// PRO commits never touch the free-tier counters.
	var dailyCount int64
	db.Model(&models.DailyUsage{}).Where("user_id = ?", user.ID).Count(&dailyCount)
	if dailyCount != 0 {
		t.Errorf("pro commit created %d daily usage rows, want 0", dailyCount)
	}
}

func TestCommitUsage_CreditFloorAtZero(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createProUser(t, db, "starter", 3)
	ctx := context.Background()

	// gpt-4o costs 5 with only 3 remaining; the balance floors at zero
	// instead of going negative.
	if err := ledger.CommitUsage(ctx, user.ID, "chat-3", "gpt-4o", 200, 60); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	var reloaded models.User
	db.First(&reloaded, user.ID)
	if reloaded.ProCreditsRemaining != 0 {
		t.Errorf("ProCreditsRemaining = %.1f, want 0", reloaded.ProCreditsRemaining)
	}
}

func TestTodayUsage_ZeroWithoutRows(t *testing.T) {
	ledger, db := newTestLedger(t)
	user := createFreeUser(t, db)

	summary, err := ledger.TodayUsage(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("TodayUsage failed: %v", err)
	}
	if summary.RequestsCount != 0 || summary.TokensUsed != 0 {
		t.Errorf("fresh user summary = %d reqs / %d tokens, want 0/0", summary.RequestsCount, summary.TokensUsed)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int64
	}{
		{"", 0},
		{"hi", 1},
		{"abcd", 2},
		{"abcdefgh", 3},
	}
	for _, c := range cases {
		if got := EstimateTokens(c.text); got != c.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}
