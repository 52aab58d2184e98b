package access

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sokonet/pesaportal/app/models"
	"github.com/sokonet/pesaportal/internal/pkg/kv"
)

const (
	grantPrefix  = "radius:"
	expirePrefix = "expire:"
)

type Config struct {
	// SweepInterval is how often overdue removal records are reconciled.
	SweepInterval time.Duration
	// RemovalGrace keeps the expire record alive past the grant TTL so a
	// restarted process can still see what needs cleaning up.
	RemovalGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		SweepInterval: 30 * time.Second,
		RemovalGrace:  time.Hour,
	}
}

// expireRecord is the durable "pending removal" entry reconciled by the
// sweeper. It outlives the grant record itself, so TTL cleanup survives
// process restarts.
type expireRecord struct {
	Grant    models.AccessGrant `json:"grant"`
	ExpireAt int64              `json:"expireAt"` // unix millis
}

// Orchestrator issues and revokes network-access grants across the enabled
// enforcer backends. The store-level grant record is the authoritative
// "is granted" signal; each enforcer fails independently and a partial
// enforcement outcome is preferred over total rollback.
type Orchestrator struct {
	store     *kv.Store
	enforcers []NetworkEnforcer
	cfg       Config
}

func NewOrchestrator(store *kv.Store, enforcers []NetworkEnforcer, cfg Config) *Orchestrator {
	if cfg.SweepInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Orchestrator{store: store, enforcers: enforcers, cfg: cfg}
}

// Grant records the access grant and applies it on every enabled enforcer.
// Enforcer failures are logged and do not abort the others; only a failure
// to write the authoritative grant record is an error.
func (o *Orchestrator) Grant(ctx context.Context, reference, mac, ip string, ttlSeconds int) error {
	grant := models.AccessGrant{Reference: reference, MAC: mac, IP: ip, TTL: ttlSeconds}
	identifier := grant.Identifier()
	if err := validateIdentifier(identifier); err != nil {
		return err
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	data, err := json.Marshal(&grant)
	if err != nil {
		return err
	}
	if err := o.store.SetEx(ctx, grantPrefix+reference, data, ttl); err != nil {
		return fmt.Errorf("access: write grant %s: %w", reference, err)
	}

	record := expireRecord{Grant: grant, ExpireAt: time.Now().Add(ttl).UnixMilli()}
	recData, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	if err := o.store.SetEx(ctx, expirePrefix+reference, recData, ttl+o.cfg.RemovalGrace); err != nil {
		log.Printf("access: write removal record %s: %v", reference, err)
	}

	for _, e := range o.enforcers {
		if err := e.Apply(ctx, identifier, ttlSeconds); err != nil {
			log.Printf("access: %s apply for %s failed: %v", e.Name(), reference, err)
		}
	}

	log.Printf("access: granted %s to %s (ttl=%ds)", reference, identifier, ttlSeconds)
	return nil
}

// Revoke removes the grant from every enforcer and deletes the store
// records. Enforcers that already dropped the state (e.g. after their own
// TTL expiry) count as success, so revoking a half-expired grant completes
// cleanly.
func (o *Orchestrator) Revoke(ctx context.Context, reference string) error {
	grant, ok := o.lookupGrant(ctx, reference)
	if !ok {
		return nil
	}

	o.removeFromEnforcers(ctx, reference, grant.Identifier())

	if err := o.store.Del(ctx, grantPrefix+reference, expirePrefix+reference); err != nil {
		return fmt.Errorf("access: delete grant %s: %w", reference, err)
	}
	log.Printf("access: revoked %s (%s)", reference, grant.Identifier())
	return nil
}

// ListActive returns all grants whose store record is still alive.
func (o *Orchestrator) ListActive(ctx context.Context) []models.AccessGrant {
	keys, err := o.store.Scan(ctx, grantPrefix+"*")
	if err != nil {
		log.Printf("access: list grants: %v", err)
		return nil
	}

	grants := make([]models.AccessGrant, 0, len(keys))
	for _, key := range keys {
		raw, err := o.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var g models.AccessGrant
		if err := json.Unmarshal([]byte(raw), &g); err != nil {
			continue
		}
		grants = append(grants, g)
	}
	return grants
}

// Sweep reconciles overdue removal records: any grant past its expiry gets
// its enforcer state removed and both records deleted. Safe to run on every
// node; Remove tolerates already-absent state.
func (o *Orchestrator) Sweep(ctx context.Context) {
	keys, err := o.store.Scan(ctx, expirePrefix+"*")
	if err != nil {
		log.Printf("access: sweep scan: %v", err)
		return
	}

	now := time.Now().UnixMilli()
	for _, key := range keys {
		raw, err := o.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var record expireRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			log.Printf("access: sweep decode %s: %v", key, err)
			continue
		}
		if now < record.ExpireAt {
			continue
		}

		reference := record.Grant.Reference
		o.removeFromEnforcers(ctx, reference, record.Grant.Identifier())
		if err := o.store.Del(ctx, grantPrefix+reference, key); err != nil {
			log.Printf("access: sweep delete %s: %v", reference, err)
			continue
		}
		log.Printf("access: swept expired grant %s", reference)
	}
}

// RunSweeper blocks, reconciling on an interval until ctx is canceled.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

func (o *Orchestrator) removeFromEnforcers(ctx context.Context, reference, identifier string) {
	for _, e := range o.enforcers {
		if err := e.Remove(ctx, identifier); err != nil {
			log.Printf("access: %s remove for %s failed: %v", e.Name(), reference, err)
		}
	}
}

// lookupGrant prefers the removal record because it outlives the grant
// itself, then falls back to the grant record.
func (o *Orchestrator) lookupGrant(ctx context.Context, reference string) (models.AccessGrant, bool) {
	if raw, err := o.store.Get(ctx, expirePrefix+reference); err == nil {
		var record expireRecord
		if err := json.Unmarshal([]byte(raw), &record); err == nil {
			return record.Grant, true
		}
	}
	if raw, err := o.store.Get(ctx, grantPrefix+reference); err == nil {
		var g models.AccessGrant
		if err := json.Unmarshal([]byte(raw), &g); err == nil {
			return g, true
		}
	}
	return models.AccessGrant{}, false
}
