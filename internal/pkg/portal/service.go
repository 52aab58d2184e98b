package portal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sokonet/pesaportal/app/models"
	"github.com/sokonet/pesaportal/internal/pkg/fraud"
	"github.com/sokonet/pesaportal/internal/pkg/kv"
	"github.com/sokonet/pesaportal/internal/pkg/ledger"
	"github.com/sokonet/pesaportal/internal/pkg/mpesa"
	"github.com/sokonet/pesaportal/internal/pkg/session"
)

// Orchestrator is the access-grant surface the service drives on confirmed
// payments. Satisfied by access.Orchestrator.
type Orchestrator interface {
	Grant(ctx context.Context, reference, mac, ip string, ttlSeconds int) error
	Revoke(ctx context.Context, reference string) error
	ListActive(ctx context.Context) []models.AccessGrant
}

// Provider is the outbound payment-provider surface. Satisfied by
// mpesa.Client.
type Provider interface {
	InitiateSTKPush(ctx context.Context, phoneNumber string, amount int, reference string) (*mpesa.STKPushResponse, error)
	VerifyTransaction(ctx context.Context, transactionID string) (bool, error)
}

type Config struct {
	SessionTTL    time.Duration // lifetime of granted access
	Shortcode     string        // till number shown in payment instructions
	WebhookSecret string        // shared secret for callback signatures, may be empty
}

// Service wires the fraud gate, payment ledger, access orchestrator and
// session registry into the payment-gated access flow.
type Service struct {
	store    *kv.Store
	gate     *fraud.Gate
	ledger   *ledger.Ledger
	sessions *session.Registry
	access   Orchestrator
	provider Provider
	cfg      Config

	startedAt time.Time
}

func NewService(store *kv.Store, gate *fraud.Gate, led *ledger.Ledger, sessions *session.Registry, access Orchestrator, provider Provider, cfg Config) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	return &Service{
		store:     store,
		gate:      gate,
		ledger:    led,
		sessions:  sessions,
		access:    access,
		provider:  provider,
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

// InitiateRequest is one client access-purchase attempt.
type InitiateRequest struct {
	MAC         string
	IP          string
	ClientIP    string // remote address observed at the edge
	Amount      int
	PhoneNumber string
	DeviceInfo  *models.DeviceInfo
}

type InitiateResult struct {
	Reference    string `json:"reference"`
	Amount       int    `json:"amount"`
	Till         string `json:"till"`
	Instructions string `json:"instructions"`
	ExpiresIn    int    `json:"expiresIn"`
}

// Initiate fraud-gates the request, creates the pending payment and, when a
// phone number is present, pushes the charge prompt. A failed push leaves
// the payment pending for manual till payment rather than aborting.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	check := s.gate.Evaluate(ctx, fraud.Request{
		IP:         req.ClientIP,
		MAC:        req.MAC,
		Amount:     req.Amount,
		DeviceInfo: req.DeviceInfo,
	})
	if !check.Allowed {
		log.Printf("portal: payment blocked by fraud gate (ip=%s reason=%s score=%d)", req.ClientIP, check.Reason, check.RiskScore)
		s.gate.ReportSuspicious(ctx, fraud.SuspiciousActivity{
			IP:     req.ClientIP,
			MAC:    req.MAC,
			Reason: check.Reason,
		})
		if check.Reason == fraud.ReasonHighRisk {
			return nil, ErrHighRisk
		}
		return nil, ErrRateLimited
	}

	ip := req.IP
	if ip == "" {
		ip = req.ClientIP
	}

	reference := newReference()
	payment, err := s.ledger.Create(ctx, models.Payment{
		Reference:   reference,
		Amount:      req.Amount,
		MAC:         req.MAC,
		IP:          ip,
		PhoneNumber: req.PhoneNumber,
		DeviceInfo:  req.DeviceInfo,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidRequest) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}

	if req.PhoneNumber != "" && s.provider != nil {
		if _, perr := s.provider.InitiateSTKPush(ctx, req.PhoneNumber, payment.Amount, reference); perr != nil {
			log.Printf("portal: stk push for %s failed: %v", reference, perr)
		}
	}

	log.Printf("portal: payment initiated %s (amount=%d mac=%s ip=%s)", reference, payment.Amount, payment.MAC, payment.IP)
	return &InitiateResult{
		Reference:    reference,
		Amount:       payment.Amount,
		Till:         s.cfg.Shortcode,
		Instructions: fmt.Sprintf("Send KES %d to Till %s using reference %s", payment.Amount, s.cfg.Shortcode, reference),
		ExpiresIn:    int(s.ledger.MatchWindow().Seconds()),
	}, nil
}

type StatusResult struct {
	Status      string `json:"status"`
	Amount      int    `json:"amount,omitempty"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	ConfirmedAt int64  `json:"confirmedAt,omitempty"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
}

// Status reports the payment state for client polling. Expiry is observed
// here: a pending payment read past its window transitions to expired.
func (s *Service) Status(ctx context.Context, reference string) (*StatusResult, error) {
	if len(reference) < 6 {
		return nil, fmt.Errorf("%w: reference too short", ErrInvalidRequest)
	}

	payment, err := s.ledger.FindByReference(ctx, reference)
	if err == ledger.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}

	expiresAt := payment.CreatedAt + s.ledger.MatchWindow().Milliseconds()
	if payment.Status == models.PaymentStatusPending && time.Now().UnixMilli() > expiresAt {
		if err := s.ledger.Expire(ctx, reference); err != nil {
			log.Printf("portal: lazy expire of %s: %v", reference, err)
		}
		return &StatusResult{Status: models.PaymentStatusExpired}, nil
	}

	return &StatusResult{
		Status:      payment.Status,
		Amount:      payment.Amount,
		CreatedAt:   payment.CreatedAt,
		ConfirmedAt: payment.ConfirmedAt,
		ExpiresAt:   expiresAt,
	}, nil
}

// HandleCallback processes one inbound provider callback. Anything past
// signature verification and structural parsing acknowledges success to the
// provider, so unmatched or duplicate deliveries never trigger retry storms.
func (s *Service) HandleCallback(ctx context.Context, raw []byte, signatureHeader string) error {
	if !mpesa.VerifySignature(raw, signatureHeader, s.cfg.WebhookSecret) {
		return ErrInvalidSignature
	}

	result, err := mpesa.ParseCallback(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if !result.Success() {
		// Final failure notice; with no reference-carrying field there is no
		// payment to fail, so this causes no state change.
		log.Printf("portal: provider reported failure (code=%d desc=%s)", result.ResultCode, result.ResultDesc)
		return nil
	}

	payment, err := s.ledger.FindRecentPendingByAmount(ctx, result.Amount)
	if err == ledger.ErrNotFound {
		log.Printf("portal: no matching payment for callback (amount=%d receipt=%s)", result.Amount, result.ReceiptNumber)
		s.gate.ReportSuspicious(ctx, fraud.SuspiciousActivity{
			Reason:  "unmatched_callback",
			Details: fmt.Sprintf("amount=%d receipt=%s", result.Amount, result.ReceiptNumber),
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}

	confirmed, confirmedNow, err := s.ledger.Confirm(ctx, payment.Reference, ledger.Confirmation{
		ProviderTxnID: result.ReceiptNumber,
		PhoneNumber:   result.PhoneNumber,
		ConfirmedAt:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	if !confirmedNow {
		// Duplicate delivery; the first one already granted access.
		log.Printf("portal: callback for already-settled payment %s ignored", payment.Reference)
		return nil
	}

	s.grantAccess(ctx, confirmed)
	return nil
}

// Reconcile manually confirms a payment after verifying the transaction with
// the provider, for callbacks that never arrived.
func (s *Service) Reconcile(ctx context.Context, reference, providerTxnID string) error {
	payment, err := s.ledger.FindByReference(ctx, reference)
	if err == ledger.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	if payment.Status == models.PaymentStatusConfirmed {
		return nil
	}

	ok, err := s.provider.VerifyTransaction(ctx, providerTxnID)
	if err != nil || !ok {
		return ErrVerificationFailed
	}

	confirmed, confirmedNow, err := s.ledger.Confirm(ctx, reference, ledger.Confirmation{
		ProviderTxnID: providerTxnID,
		ConfirmedAt:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	if confirmedNow {
		log.Printf("portal: payment %s manually reconciled (txn=%s)", reference, providerTxnID)
		s.grantAccess(ctx, confirmed)
	}
	return nil
}

// grantAccess issues the network grant and the session record concurrently.
// The two writes are independent, not transactional: if one fails the other
// may still have applied, which TTL expiry bounds in both directions.
func (s *Service) grantAccess(ctx context.Context, payment *models.Payment) {
	if payment.MAC == "" && payment.IP == "" {
		return
	}

	ttl := int(s.cfg.SessionTTL.Seconds())
	var g errgroup.Group
	g.Go(func() error {
		return s.access.Grant(ctx, payment.Reference, payment.MAC, payment.IP, ttl)
	})
	g.Go(func() error {
		_, err := s.sessions.Create(ctx, payment.Reference, payment.MAC, payment.IP, ttl)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Printf("portal: access grant for %s partially failed: %v", payment.Reference, err)
		return
	}
	log.Printf("portal: network access granted for %s (ttl=%ds)", payment.Reference, ttl)
}

// RevokeSession tears down the session and the network grant together, the
// admin-triggered revocation path.
func (s *Service) RevokeSession(ctx context.Context, reference string) error {
	var g errgroup.Group
	g.Go(func() error { return s.sessions.Revoke(ctx, reference) })
	g.Go(func() error { return s.access.Revoke(ctx, reference) })
	return g.Wait()
}

// ActiveState is the admin view of current sessions and grants.
type ActiveState struct {
	Sessions []models.Session     `json:"sessions"`
	Grants   []models.AccessGrant `json:"grants"`
}

func (s *Service) Active(ctx context.Context) ActiveState {
	return ActiveState{
		Sessions: s.sessions.ListActive(ctx),
		Grants:   s.access.ListActive(ctx),
	}
}

// Suspicious lists recorded suspicious activities, newest first.
func (s *Service) Suspicious(ctx context.Context, limit int) []fraud.SuspiciousActivity {
	return s.gate.ListSuspicious(ctx, limit)
}

type Stats struct {
	ActiveSessions       int     `json:"active_sessions"`
	ActiveGrants         int     `json:"active_grants"`
	SuspiciousActivities int     `json:"suspicious_activities"`
	StoreHealthy         bool    `json:"store_healthy"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
}

// SystemStats aggregates counts for the admin dashboard. Read failures
// degrade to zeros; stats never block.
func (s *Service) SystemStats(ctx context.Context) Stats {
	return Stats{
		ActiveSessions:       len(s.sessions.ListActive(ctx)),
		ActiveGrants:         len(s.access.ListActive(ctx)),
		SuspiciousActivities: len(s.gate.ListSuspicious(ctx, 0)),
		StoreHealthy:         s.store.Ping(ctx) == nil,
		UptimeSeconds:        time.Since(s.startedAt).Seconds(),
	}
}

// newReference derives a short opaque token from a UUID, uppercased for
// easy reading off a phone screen.
func newReference() string {
	return strings.ToUpper(strings.SplitN(uuid.NewString(), "-", 2)[0])
}
