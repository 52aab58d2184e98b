package session

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sokonet/pesaportal/internal/pkg/kv"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewRegistry(store), mr
}

func TestCreateGetRoundTrip(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, "ABC123", "aa:bb:cc:dd:ee:ff", "10.0.0.5", 3600)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	got, err := reg.Get(ctx, "ABC123")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Reference != created.Reference || got.MAC != created.MAC || got.TTL != 3600 {
		t.Fatalf("unexpected session: %+v", got)
	}

	// Both records exist with the same TTL.
	if mr.TTL("session:ABC123") != mr.TTL("active:aa:bb:cc:dd:ee:ff") {
		t.Fatalf("session and device index TTLs drifted")
	}
	if !reg.IsDeviceActive(ctx, "aa:bb:cc:dd:ee:ff", "") {
		t.Fatalf("device should be active")
	}
}

func TestCreateRequiresIdentity(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Create(context.Background(), "ABC123", "", "", 60); err == nil {
		t.Fatalf("expected error for missing identity")
	}
}

func TestTTLBoundary(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "TTL111", "aa:bb:cc:dd:ee:01", "", 1); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	mr.FastForward(2 * time.Second)

	if _, err := reg.Get(ctx, "TTL111"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	if reg.IsDeviceActive(ctx, "aa:bb:cc:dd:ee:01", "") {
		t.Fatalf("device index must expire with the session")
	}
}

func TestTouchKeepsTTL(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "TCH111", "", "10.0.0.6", 3600); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	before := mr.TTL("session:TCH111")

	if err := reg.Touch(ctx, "TCH111"); err != nil {
		t.Fatalf("Touch error: %v", err)
	}

	got, err := reg.Get(ctx, "TCH111")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.LastSeenAt == 0 {
		t.Fatalf("lastSeen not set")
	}
	if after := mr.TTL("session:TCH111"); after > before {
		t.Fatalf("Touch must not extend TTL (before=%v after=%v)", before, after)
	}
}

func TestExtendRefreshesBothRecords(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "EXT111", "aa:bb:cc:dd:ee:02", "", 60); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if !reg.Extend(ctx, "EXT111", 7200) {
		t.Fatalf("Extend returned false")
	}

	want := 7200 * time.Second
	if mr.TTL("session:EXT111") != want || mr.TTL("active:aa:bb:cc:dd:ee:02") != want {
		t.Fatalf("TTLs = %v / %v, want %v on both", mr.TTL("session:EXT111"), mr.TTL("active:aa:bb:cc:dd:ee:02"), want)
	}

	if reg.Extend(ctx, "MISSING", 60) {
		t.Fatalf("Extend of unknown session must return false")
	}
}

func TestRevokeDeletesBothRecords(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "REV111", "aa:bb:cc:dd:ee:03", "", 3600); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := reg.Revoke(ctx, "REV111"); err != nil {
		t.Fatalf("Revoke error: %v", err)
	}

	if mr.Exists("session:REV111") || mr.Exists("active:aa:bb:cc:dd:ee:03") {
		t.Fatalf("revoke left records behind")
	}

	// Revoking an unknown reference is a no-op.
	if err := reg.Revoke(ctx, "REV111"); err != nil {
		t.Fatalf("second Revoke error: %v", err)
	}
}

func TestListActiveNewestFirst(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "FIRST1", "", "10.0.0.1", 3600); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := reg.Create(ctx, "SECOND", "", "10.0.0.2", 3600); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	sessions := reg.ListActive(ctx)
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].Reference != "SECOND" {
		t.Fatalf("expected newest first, got %s", sessions[0].Reference)
	}
}
