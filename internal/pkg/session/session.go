package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/sokonet/pesaportal/app/models"
	"github.com/sokonet/pesaportal/internal/pkg/kv"
)

const (
	sessionPrefix = "session:"
	activePrefix  = "active:"
)

var ErrNotFound = errors.New("session: not found")

// Registry tracks logical user sessions independently of the enforcement
// backends. Every session has two records with identical TTLs: the primary
// session:{reference} payload and the active:{identifier} device index used
// for O(1) "is this device authorized" checks. The two must never drift.
type Registry struct {
	store *kv.Store
}

func NewRegistry(store *kv.Store) *Registry {
	return &Registry{store: store}
}

// Create registers a session and its device index entry.
func (r *Registry) Create(ctx context.Context, reference, mac, ip string, ttlSeconds int) (*models.Session, error) {
	if mac == "" && ip == "" {
		return nil, fmt.Errorf("session: mac or ip required")
	}

	s := models.Session{
		Reference: reference,
		MAC:       mac,
		IP:        ip,
		TTL:       ttlSeconds,
		CreatedAt: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(&s)
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	if err := r.store.SetEx(ctx, sessionPrefix+reference, data, ttl); err != nil {
		return nil, fmt.Errorf("session: write session: %w", err)
	}
	if err := r.store.SetEx(ctx, activePrefix+s.Identifier(), reference, ttl); err != nil {
		return nil, fmt.Errorf("session: write device index: %w", err)
	}

	log.Printf("session: created %s for %s (ttl=%ds)", reference, s.Identifier(), ttlSeconds)
	return &s, nil
}

// Get loads a session by reference.
func (r *Registry) Get(ctx context.Context, reference string) (*models.Session, error) {
	raw, err := r.store.Get(ctx, sessionPrefix+reference)
	if err == kv.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", reference, err)
	}
	var s models.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", reference, err)
	}
	return &s, nil
}

// Touch refreshes lastSeen without changing the TTL: the payload is
// rewritten under whatever lifetime the record has left.
func (r *Registry) Touch(ctx context.Context, reference string) error {
	s, err := r.Get(ctx, reference)
	if err != nil {
		return err
	}

	key := sessionPrefix + reference
	remaining, err := r.store.TTL(ctx, key)
	if err != nil {
		return fmt.Errorf("session: ttl for %s: %w", reference, err)
	}
	if remaining <= 0 {
		return ErrNotFound
	}

	s.LastSeenAt = time.Now().UnixMilli()
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.store.SetEx(ctx, key, data, remaining)
}

// Extend resets the TTL on both the session and its device index to the
// given lifetime. Both records are refreshed identically so the fast-path
// index never outlives or undercuts the session itself.
func (r *Registry) Extend(ctx context.Context, reference string, additionalSeconds int) bool {
	s, err := r.Get(ctx, reference)
	if err != nil {
		return false
	}

	ttl := time.Duration(additionalSeconds) * time.Second
	if _, err := r.store.Expire(ctx, sessionPrefix+reference, ttl); err != nil {
		log.Printf("session: extend %s: %v", reference, err)
		return false
	}
	if _, err := r.store.Expire(ctx, activePrefix+s.Identifier(), ttl); err != nil {
		log.Printf("session: extend device index for %s: %v", reference, err)
		return false
	}

	log.Printf("session: extended %s by %ds", reference, additionalSeconds)
	return true
}

// Revoke deletes the session and its device index together.
func (r *Registry) Revoke(ctx context.Context, reference string) error {
	s, err := r.Get(ctx, reference)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if err := r.store.Del(ctx, sessionPrefix+reference, activePrefix+s.Identifier()); err != nil {
		return fmt.Errorf("session: revoke %s: %w", reference, err)
	}
	log.Printf("session: revoked %s", reference)
	return nil
}

// ListActive returns all live sessions, newest first. Read failures degrade
// to an empty list; listings never block admin flows.
func (r *Registry) ListActive(ctx context.Context) []models.Session {
	keys, err := r.store.Scan(ctx, sessionPrefix+"*")
	if err != nil {
		log.Printf("session: list: %v", err)
		return nil
	}

	sessions := make([]models.Session, 0, len(keys))
	for _, key := range keys {
		raw, err := r.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var s models.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt > sessions[j].CreatedAt
	})
	return sessions
}

// IsDeviceActive answers whether the device currently holds a session, via
// the active-index fast path.
func (r *Registry) IsDeviceActive(ctx context.Context, mac, ip string) bool {
	identifier := mac
	if identifier == "" {
		identifier = ip
	}
	if identifier == "" {
		return false
	}

	_, err := r.store.Get(ctx, activePrefix+identifier)
	if err == kv.ErrNotFound {
		return false
	}
	if err != nil {
		log.Printf("session: device check for %s: %v", identifier, err)
		return false
	}
	return true
}
