package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sokonet/pesaportal/internal/pkg/env"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"
)

// Client talks to the Daraja API: OAuth token issuance, STK-push charge
// initiation and transaction-status verification. The provider's settlement
// protocol itself is opaque to us; we only initiate and verify.
type Client struct {
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string

	BaseURL    string
	HTTPClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClientFromEnv() *Client {
	baseURL := sandboxBaseURL
	if env.GetEnv("MPESA_ENVIRONMENT", "sandbox") == "production" {
		baseURL = productionBaseURL
	}

	return &Client{
		ConsumerKey:    env.GetEnv("MPESA_CONSUMER_KEY", ""),
		ConsumerSecret: env.GetEnv("MPESA_CONSUMER_SECRET", ""),
		Shortcode:      env.GetEnv("MPESA_SHORTCODE", ""),
		Passkey:        env.GetEnv("MPESA_PASSKEY", ""),
		CallbackURL:    env.GetEnv("MPESA_CALLBACK_URL", ""),
		BaseURL:        baseURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// token returns a cached OAuth token, refreshing it one minute before the
// provider-declared expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.ConsumerKey, c.ConsumerSecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("mpesa: token request: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("mpesa: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("mpesa: token response carried no access token (status %d)", resp.StatusCode)
	}

	expires := 3600 * time.Second
	if d, err := time.ParseDuration(tr.ExpiresIn + "s"); err == nil {
		expires = d
	}
	c.accessToken = tr.AccessToken
	c.tokenExpiry = time.Now().Add(expires - time.Minute)
	return c.accessToken, nil
}

// STKPushResponse is the synchronous acknowledgment of a charge initiation;
// the settlement outcome arrives later on the callback URL.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// InitiateSTKPush pushes a payment prompt to the subscriber's handset. The
// reference travels as AccountReference so the provider can echo it back;
// the callback's fixed metadata item list does not include it, which is why
// inbound matching still falls back to the amount heuristic.
func (c *Client) InitiateSTKPush(ctx context.Context, phoneNumber string, amount int, reference string) (*STKPushResponse, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format("20060102150405")
	payload := map[string]interface{}{
		"BusinessShortCode": c.Shortcode,
		"Password":          c.password(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amount,
		"PartyA":            phoneNumber,
		"PartyB":            c.Shortcode,
		"PhoneNumber":       phoneNumber,
		"CallBackURL":       c.CallbackURL,
		"AccountReference":  reference,
		"TransactionDesc":   "Internet Access - " + reference,
	}

	var result STKPushResponse
	if err := c.post(ctx, token, "/mpesa/stkpush/v1/processrequest", payload, &result); err != nil {
		return nil, fmt.Errorf("mpesa: stk push for %s: %w", reference, err)
	}
	return &result, nil
}

type txnStatusResponse struct {
	ResultCode string `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// VerifyTransaction queries the provider for the settlement state of a
// transaction, used by manual admin reconciliation.
func (c *Client) VerifyTransaction(ctx context.Context, transactionID string) (bool, error) {
	token, err := c.token(ctx)
	if err != nil {
		return false, err
	}

	timestamp := time.Now().Format("20060102150405")
	payload := map[string]interface{}{
		"BusinessShortCode": c.Shortcode,
		"Password":          c.password(timestamp),
		"Timestamp":         timestamp,
		"TransactionID":     transactionID,
	}

	var result txnStatusResponse
	if err := c.post(ctx, token, "/mpesa/transactionstatus/v1/query", payload, &result); err != nil {
		return false, fmt.Errorf("mpesa: verify %s: %w", transactionID, err)
	}
	return result.ResultCode == "0", nil
}

func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.Shortcode + c.Passkey + timestamp))
}

func (c *Client) post(ctx context.Context, token, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(out)
}
