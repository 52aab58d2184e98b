package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokonet/pesaportal/app/models"
	"github.com/sokonet/pesaportal/internal/pkg/kv"
)

const (
	paymentPrefix = "payment:"
	pendingPrefix = "pending:"

	// casRetries bounds how often a transition is retried when a watched
	// payment key changes underneath the transaction.
	casRetries = 3
)

var (
	ErrNotFound       = errors.New("ledger: payment not found")
	ErrInvalidRequest = errors.New("ledger: invalid payment request")
)

type Config struct {
	PendingTTL   time.Duration // primary record lifetime while pending/failed
	ConfirmedTTL time.Duration // extended lifetime after confirmation
	MatchWindow  time.Duration // secondary index lifetime and match horizon
}

func DefaultConfig() Config {
	return Config{
		PendingTTL:   time.Hour,
		ConfirmedTTL: 24 * time.Hour,
		MatchWindow:  15 * time.Minute,
	}
}

// Ledger creates, looks up and transitions Payment records in the shared
// store. Status transitions are monotone; Confirm and Expire run inside
// optimistic transactions so concurrent callback deliveries cannot both move
// the same payment.
type Ledger struct {
	store *kv.Store
	cfg   Config
}

func New(store *kv.Store, cfg Config) *Ledger {
	if cfg.PendingTTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Ledger{store: store, cfg: cfg}
}

// MatchWindow exposes the configured match horizon for callers that observe
// lazy expiry (status polling).
func (l *Ledger) MatchWindow() time.Duration {
	return l.cfg.MatchWindow
}

// Create writes the primary payment record and its amount/time index entry.
// Both carry independent TTLs, so a partial write self-heals by expiry.
func (l *Ledger) Create(ctx context.Context, p models.Payment) (*models.Payment, error) {
	if p.Reference == "" {
		return nil, fmt.Errorf("%w: missing reference", ErrInvalidRequest)
	}
	if p.MAC == "" && p.IP == "" {
		return nil, fmt.Errorf("%w: mac or ip required", ErrInvalidRequest)
	}
	if p.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	p.Status = models.PaymentStatusPending
	p.CreatedAt = time.Now().UnixMilli()

	data, err := json.Marshal(&p)
	if err != nil {
		return nil, err
	}

	if err := l.store.SetEx(ctx, paymentPrefix+p.Reference, data, l.cfg.PendingTTL); err != nil {
		return nil, fmt.Errorf("ledger: write payment: %w", err)
	}
	if err := l.store.SetEx(ctx, pendingKey(p.Amount, p.CreatedAt), p.Reference, l.cfg.MatchWindow); err != nil {
		// The index is best-effort: the payment stays reachable by
		// reference, only callback matching degrades.
		log.Printf("ledger: write pending index for %s: %v", p.Reference, err)
	}
	return &p, nil
}

// FindByReference loads a payment by its primary key.
func (l *Ledger) FindByReference(ctx context.Context, reference string) (*models.Payment, error) {
	raw, err := l.store.Get(ctx, paymentPrefix+reference)
	if err == kv.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read payment %s: %w", reference, err)
	}
	var p models.Payment
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("ledger: decode payment %s: %w", reference, err)
	}
	return &p, nil
}

// FindRecentPendingByAmount returns the first still-pending payment of the
// given amount created within the match window. Matching by amount alone is
// an inherently ambiguous join; it is the documented fallback for provider
// callbacks that do not echo the reference back.
func (l *Ledger) FindRecentPendingByAmount(ctx context.Context, amount int) (*models.Payment, error) {
	keys, err := l.store.Scan(ctx, pendingPrefix+strconv.Itoa(amount)+":*")
	if err != nil {
		return nil, fmt.Errorf("ledger: scan pending index: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, key := range keys {
		parts := strings.Split(key, ":")
		if len(parts) != 3 {
			continue
		}
		createdAt, perr := strconv.ParseInt(parts[2], 10, 64)
		if perr != nil || now-createdAt >= l.cfg.MatchWindow.Milliseconds() {
			continue
		}

		reference, gerr := l.store.Get(ctx, key)
		if gerr != nil {
			continue
		}
		payment, ferr := l.FindByReference(ctx, reference)
		if ferr != nil {
			continue
		}
		if payment.Status == models.PaymentStatusPending {
			return payment, nil
		}
	}
	return nil, ErrNotFound
}

// Confirmation carries the provider-side data attached on confirm.
type Confirmation struct {
	ProviderTxnID string
	PhoneNumber   string
	ConfirmedAt   time.Time
}

// Confirm transitions pending -> confirmed. It is idempotent: confirming an
// already-confirmed payment is a no-op preserving the first confirmation's
// data, because provider callbacks may be delivered more than once. The
// returned bool reports whether this call performed the transition.
func (l *Ledger) Confirm(ctx context.Context, reference string, conf Confirmation) (*models.Payment, bool, error) {
	var (
		payment   models.Payment
		confirmed bool
	)

	err := l.transition(ctx, reference, func(p *models.Payment) bool {
		if p.Terminal() {
			payment = *p
			confirmed = false
			return false
		}
		p.Status = models.PaymentStatusConfirmed
		p.ProviderTxnID = conf.ProviderTxnID
		p.PhoneNumber = conf.PhoneNumber
		p.ConfirmedAt = conf.ConfirmedAt.UnixMilli()
		payment = *p
		confirmed = true
		return true
	}, l.cfg.ConfirmedTTL)
	if err != nil {
		return nil, false, err
	}

	if confirmed {
		// The index entry is now stale; its removal is best-effort since it
		// expires on its own within the match window anyway.
		if derr := l.store.Del(ctx, pendingKey(payment.Amount, payment.CreatedAt)); derr != nil {
			log.Printf("ledger: drop pending index for %s: %v", reference, derr)
		}
	}
	return &payment, confirmed, nil
}

// Expire transitions pending -> expired. Expiry is observed on read, not
// scheduled: callers invoke this lazily when a pending payment is seen past
// its window. A no-op on terminal payments.
func (l *Ledger) Expire(ctx context.Context, reference string) error {
	return l.transition(ctx, reference, func(p *models.Payment) bool {
		if p.Terminal() {
			return false
		}
		p.Status = models.PaymentStatusExpired
		return true
	}, l.cfg.PendingTTL)
}

// Fail transitions pending -> failed on a provider failure notice. A no-op
// on terminal payments.
func (l *Ledger) Fail(ctx context.Context, reference string) error {
	return l.transition(ctx, reference, func(p *models.Payment) bool {
		if p.Terminal() {
			return false
		}
		p.Status = models.PaymentStatusFailed
		return true
	}, l.cfg.PendingTTL)
}

// transition applies mutate to the payment inside a WATCH transaction. The
// write only lands if the payment key did not change between read and write,
// closing the race between concurrent confirmations.
func (l *Ledger) transition(ctx context.Context, reference string, mutate func(*models.Payment) bool, ttl time.Duration) error {
	key := paymentPrefix + reference

	for attempt := 0; attempt < casRetries; attempt++ {
		err := l.store.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var p models.Payment
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				return fmt.Errorf("ledger: decode payment %s: %w", reference, err)
			}

			if !mutate(&p) {
				// Already terminal; nothing to write.
				return nil
			}

			data, err := json.Marshal(&p)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("ledger: transition for %s kept conflicting", reference)
}

func pendingKey(amount int, createdAt int64) string {
	return fmt.Sprintf("%s%d:%d", pendingPrefix, amount, createdAt)
}
