package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sokonet/pesaportal/app/models"
	"github.com/sokonet/pesaportal/internal/pkg/kv"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return New(store, DefaultConfig()), mr
}

// seedPayment writes a payment and its pending-index entry directly, so
// tests can control createdAt and status.
func seedPayment(t *testing.T, mr *miniredis.Miniredis, reference string, amount int, status string, createdAt int64) {
	t.Helper()
	p := models.Payment{Reference: reference, Amount: amount, MAC: "aa:bb:cc:dd:ee:ff", Status: status, CreatedAt: createdAt}
	data, err := json.Marshal(&p)
	require.NoError(t, err)
	require.NoError(t, mr.Set("payment:"+reference, string(data)))
	require.NoError(t, mr.Set(fmt.Sprintf("pending:%d:%d", amount, createdAt), reference))
}

func TestCreateFindRoundTrip(t *testing.T) {
	led, mr := newTestLedger(t)
	ctx := context.Background()

	created, err := led.Create(ctx, models.Payment{
		Reference: "ABC123",
		Amount:    20,
		MAC:       "aa:bb:cc:dd:ee:ff",
	})
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, created.Status)
	require.NotZero(t, created.CreatedAt)

	found, err := led.FindByReference(ctx, "ABC123")
	require.NoError(t, err)
	require.Equal(t, created, found)

	require.Equal(t, time.Hour, mr.TTL("payment:ABC123"))
	require.Equal(t, 15*time.Minute, mr.TTL(fmt.Sprintf("pending:20:%d", created.CreatedAt)))
}

func TestCreateValidation(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		payment models.Payment
	}{
		{"no identity", models.Payment{Reference: "R1", Amount: 20}},
		{"zero amount", models.Payment{Reference: "R2", Amount: 0, MAC: "aa:bb:cc:dd:ee:ff"}},
		{"missing reference", models.Payment{Amount: 20, MAC: "aa:bb:cc:dd:ee:ff"}},
	}
	for _, tt := range tests {
		if _, err := led.Create(ctx, tt.payment); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestFindByReferenceNotFound(t *testing.T) {
	led, _ := newTestLedger(t)
	_, err := led.FindByReference(context.Background(), "NOPE")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindRecentPendingByAmount(t *testing.T) {
	led, mr := newTestLedger(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	seedPayment(t, mr, "OLD111", 20, models.PaymentStatusPending, now-16*60*1000)
	seedPayment(t, mr, "DONE22", 20, models.PaymentStatusConfirmed, now-60*1000)
	seedPayment(t, mr, "LIVE33", 20, models.PaymentStatusPending, now-30*1000)

	found, err := led.FindRecentPendingByAmount(ctx, 20)
	require.NoError(t, err)
	require.Equal(t, "LIVE33", found.Reference)

	// No pending payment of a different amount.
	_, err = led.FindRecentPendingByAmount(ctx, 50)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmIsIdempotent(t *testing.T) {
	led, mr := newTestLedger(t)
	ctx := context.Background()

	created, err := led.Create(ctx, models.Payment{Reference: "ABC123", Amount: 20, MAC: "aa:bb:cc:dd:ee:ff"})
	require.NoError(t, err)
	indexKey := fmt.Sprintf("pending:20:%d", created.CreatedAt)

	first, confirmedNow, err := led.Confirm(ctx, "ABC123", Confirmation{
		ProviderTxnID: "QWE123",
		PhoneNumber:   "254700000001",
		ConfirmedAt:   time.Now(),
	})
	require.NoError(t, err)
	require.True(t, confirmedNow)
	require.Equal(t, models.PaymentStatusConfirmed, first.Status)
	require.Equal(t, "QWE123", first.ProviderTxnID)
	require.False(t, mr.Exists(indexKey), "stale index entry must be deleted")
	require.Equal(t, 24*time.Hour, mr.TTL("payment:ABC123"))

	// A duplicate delivery with different data is a no-op keeping the first
	// confirmation's fields.
	second, confirmedNow, err := led.Confirm(ctx, "ABC123", Confirmation{
		ProviderTxnID: "OTHER999",
		ConfirmedAt:   time.Now(),
	})
	require.NoError(t, err)
	require.False(t, confirmedNow)
	require.Equal(t, "QWE123", second.ProviderTxnID)
}

func TestExpireIsMonotone(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Create(ctx, models.Payment{Reference: "EXP111", Amount: 20, MAC: "aa:bb:cc:dd:ee:ff"})
	require.NoError(t, err)
	require.NoError(t, led.Expire(ctx, "EXP111"))

	p, err := led.FindByReference(ctx, "EXP111")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusExpired, p.Status)

	// Expired is terminal: a late confirmation must not resurrect it.
	_, confirmedNow, err := led.Confirm(ctx, "EXP111", Confirmation{ProviderTxnID: "LATE", ConfirmedAt: time.Now()})
	require.NoError(t, err)
	require.False(t, confirmedNow)

	p, err = led.FindByReference(ctx, "EXP111")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusExpired, p.Status)
}

func TestFailTransition(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Create(ctx, models.Payment{Reference: "FAIL11", Amount: 20, IP: "10.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, led.Fail(ctx, "FAIL11"))

	p, err := led.FindByReference(ctx, "FAIL11")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusFailed, p.Status)
}

func TestConfirmUnknownReference(t *testing.T) {
	led, _ := newTestLedger(t)
	_, _, err := led.Confirm(context.Background(), "NOPE99", Confirmation{ConfirmedAt: time.Now()})
	require.ErrorIs(t, err, ErrNotFound)
}
