package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sokonet/pesaportal/app/models"
	"github.com/sokonet/pesaportal/internal/pkg/kv"
)

type fakeEnforcer struct {
	name     string
	applied  []string
	removed  []string
	applyErr error
}

func (f *fakeEnforcer) Name() string { return f.name }

func (f *fakeEnforcer) Apply(_ context.Context, identifier string, _ int) error {
	f.applied = append(f.applied, identifier)
	return f.applyErr
}

func (f *fakeEnforcer) Remove(_ context.Context, identifier string) error {
	f.removed = append(f.removed, identifier)
	return nil
}

type fakeRunner struct {
	calls [][]string
	// fail matches against the joined command line; matching calls error.
	fail string
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	call := append([]string{name}, args...)
	r.calls = append(r.calls, call)
	if r.fail != "" && strings.Contains(strings.Join(call, " "), r.fail) {
		return errors.New("exit status 1")
	}
	return nil
}

func newTestOrchestrator(t *testing.T, enforcers ...NetworkEnforcer) (*Orchestrator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewOrchestrator(store, enforcers, DefaultConfig()), mr
}

func TestGrantWritesRecordsAndAppliesEnforcers(t *testing.T) {
	backend := &fakeEnforcer{name: "fake"}
	orch, mr := newTestOrchestrator(t, backend)
	ctx := context.Background()

	if err := orch.Grant(ctx, "ABC123", "aa:bb:cc:dd:ee:ff", "10.0.0.5", 3600); err != nil {
		t.Fatalf("Grant error: %v", err)
	}

	if mr.TTL("radius:ABC123") != time.Hour {
		t.Fatalf("grant ttl = %v, want 1h", mr.TTL("radius:ABC123"))
	}
	// The removal record must outlive the grant.
	if mr.TTL("expire:ABC123") != 2*time.Hour {
		t.Fatalf("removal record ttl = %v, want 2h", mr.TTL("expire:ABC123"))
	}

	if len(backend.applied) != 1 || backend.applied[0] != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("enforcer applied = %v", backend.applied)
	}

	grants := orch.ListActive(ctx)
	if len(grants) != 1 || grants[0].Reference != "ABC123" {
		t.Fatalf("unexpected grants: %+v", grants)
	}
}

func TestGrantRejectsMalformedIdentifier(t *testing.T) {
	backend := &fakeEnforcer{name: "fake"}
	orch, _ := newTestOrchestrator(t, backend)

	err := orch.Grant(context.Background(), "BAD111", "aa:bb; rm -rf /", "", 60)
	if err == nil {
		t.Fatalf("expected error for malformed identifier")
	}
	if len(backend.applied) != 0 {
		t.Fatalf("enforcer reached with malformed identifier")
	}
}

func TestGrantToleratesEnforcerFailure(t *testing.T) {
	broken := &fakeEnforcer{name: "broken", applyErr: errors.New("boom")}
	healthy := &fakeEnforcer{name: "healthy"}
	orch, mr := newTestOrchestrator(t, broken, healthy)

	if err := orch.Grant(context.Background(), "MIX111", "", "10.0.0.9", 600); err != nil {
		t.Fatalf("Grant must not fail on a single backend: %v", err)
	}
	if len(healthy.applied) != 1 {
		t.Fatalf("healthy backend skipped")
	}
	if !mr.Exists("radius:MIX111") {
		t.Fatalf("grant record missing")
	}
}

func TestRevokeAfterGrantRecordExpired(t *testing.T) {
	// One backend already dropped its state (the -C probe fails), the other
	// still holds it; revocation must complete cleanly on both.
	expired := NewIptablesEnforcer(&fakeRunner{fail: "-C FORWARD"})
	backend := &fakeEnforcer{name: "fake"}
	orch, mr := newTestOrchestrator(t, expired, backend)
	ctx := context.Background()

	if err := orch.Grant(ctx, "EXP111", "aa:bb:cc:dd:ee:01", "", 60); err != nil {
		t.Fatalf("Grant error: %v", err)
	}

	// Grant record gone, removal record still within its grace window.
	mr.FastForward(2 * time.Minute)
	if mr.Exists("radius:EXP111") {
		t.Fatalf("grant record should have expired")
	}

	if err := orch.Revoke(ctx, "EXP111"); err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	if len(backend.removed) != 1 || backend.removed[0] != "aa:bb:cc:dd:ee:01" {
		t.Fatalf("enforcer removed = %v", backend.removed)
	}
	if mr.Exists("expire:EXP111") {
		t.Fatalf("removal record left behind")
	}
}

func TestRevokeUnknownReferenceIsNoop(t *testing.T) {
	backend := &fakeEnforcer{name: "fake"}
	orch, _ := newTestOrchestrator(t, backend)

	if err := orch.Revoke(context.Background(), "NOPE99"); err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	if len(backend.removed) != 0 {
		t.Fatalf("enforcer called for unknown reference")
	}
}

func TestSweepRemovesOverdueGrants(t *testing.T) {
	backend := &fakeEnforcer{name: "fake"}
	orch, mr := newTestOrchestrator(t, backend)
	ctx := context.Background()

	seedExpireRecord(t, mr, "DUE111", "aa:bb:cc:dd:ee:02", time.Now().Add(-time.Minute))
	seedExpireRecord(t, mr, "LIVE22", "aa:bb:cc:dd:ee:03", time.Now().Add(time.Hour))

	orch.Sweep(ctx)

	if len(backend.removed) != 1 || backend.removed[0] != "aa:bb:cc:dd:ee:02" {
		t.Fatalf("enforcer removed = %v", backend.removed)
	}
	if mr.Exists("expire:DUE111") || mr.Exists("radius:DUE111") {
		t.Fatalf("overdue records left behind")
	}
	if !mr.Exists("expire:LIVE22") || !mr.Exists("radius:LIVE22") {
		t.Fatalf("live grant must survive the sweep")
	}
}

// seedExpireRecord plants a grant plus removal record with a chosen expiry,
// as a previous process run would have left them.
func seedExpireRecord(t *testing.T, mr *miniredis.Miniredis, reference, mac string, expireAt time.Time) {
	t.Helper()
	grant := models.AccessGrant{Reference: reference, MAC: mac, TTL: 60}
	grantData, err := json.Marshal(&grant)
	if err != nil {
		t.Fatalf("marshal grant: %v", err)
	}
	record := expireRecord{Grant: grant, ExpireAt: expireAt.UnixMilli()}
	recData, err := json.Marshal(&record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if err := mr.Set("radius:"+reference, string(grantData)); err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	if err := mr.Set("expire:"+reference, string(recData)); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestIptablesRuleArgs(t *testing.T) {
	runner := &fakeRunner{}
	e := NewIptablesEnforcer(runner)
	ctx := context.Background()

	if err := e.Apply(ctx, "aa:bb:cc:dd:ee:ff", 3600); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if err := e.Apply(ctx, "10.0.0.5", 3600); err != nil {
		t.Fatalf("Apply error: %v", err)
	}

	want := [][]string{
		{"iptables", "-I", "FORWARD", "-m", "mac", "--mac-source", "aa:bb:cc:dd:ee:ff", "-j", "ACCEPT"},
		{"iptables", "-I", "FORWARD", "-s", "10.0.0.5", "-j", "ACCEPT"},
	}
	for i, call := range runner.calls {
		if fmt.Sprint(call) != fmt.Sprint(want[i]) {
			t.Fatalf("call %d = %v, want %v", i, call, want[i])
		}
	}
}

func TestIptablesRemoveAbsentRuleIsSuccess(t *testing.T) {
	runner := &fakeRunner{fail: "-C FORWARD"}
	e := NewIptablesEnforcer(runner)

	if err := e.Remove(context.Background(), "10.0.0.5"); err != nil {
		t.Fatalf("Remove of absent rule must succeed: %v", err)
	}
	for _, call := range runner.calls {
		if call[1] == "-D" {
			t.Fatalf("-D issued after failed -C probe")
		}
	}
}

func TestIptablesRejectsMalformedIdentifier(t *testing.T) {
	runner := &fakeRunner{}
	e := NewIptablesEnforcer(runner)

	if err := e.Apply(context.Background(), "10.0.0.5; iptables -F", 60); err == nil {
		t.Fatalf("expected error")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("runner reached with malformed identifier")
	}
}

func TestChilliApplyAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "localusers")
	runner := &fakeRunner{}
	e := NewChilliEnforcer(path, runner)
	ctx := context.Background()

	if err := e.Apply(ctx, "aa:bb:cc:dd:ee:ff", 3600); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read localusers: %v", err)
	}
	if !strings.Contains(string(data), "aa:bb:cc:dd:ee:ff Auth-Type := Accept, Session-Timeout := 3600") {
		t.Fatalf("unexpected file contents: %q", data)
	}
	if len(runner.calls) != 1 || runner.calls[0][0] != "killall" {
		t.Fatalf("expected one reload, got %v", runner.calls)
	}

	if err := e.Remove(ctx, "aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	data, _ = os.ReadFile(path)
	if strings.Contains(string(data), "aa:bb:cc:dd:ee:ff") {
		t.Fatalf("entry not removed: %q", data)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected reload after removal, got %v", runner.calls)
	}
}

func TestChilliRemoveUnknownSkipsReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "localusers")
	runner := &fakeRunner{}
	e := NewChilliEnforcer(path, runner)

	if err := e.Remove(context.Background(), "aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("reload issued for a no-op removal: %v", runner.calls)
	}
}

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"aa:bb:cc:dd:ee:ff", "AA-BB-CC-DD-EE-FF", "10.0.0.5", "2001:db8::1"}
	for _, id := range valid {
		if err := validateIdentifier(id); err != nil {
			t.Fatalf("%q rejected: %v", id, err)
		}
	}
	invalid := []string{"", "not-an-id", "10.0.0.5; reboot", "aa:bb:cc:dd:ee:ff\nextra"}
	for _, id := range invalid {
		if err := validateIdentifier(id); err == nil {
			t.Fatalf("%q accepted", id)
		}
	}
}
