package models

// Payment statuses. Transitions are monotone: a payment leaves Pending
// exactly once and never leaves a terminal state.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusConfirmed = "confirmed"
	PaymentStatusFailed    = "failed"
	PaymentStatusExpired   = "expired"
)

// DeviceScreen is the client-declared screen geometry, used only for
// fingerprint risk scoring.
type DeviceScreen struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DeviceInfo is the opaque fingerprint blob a client submits alongside a
// payment request. Every field is optional and attacker-controlled.
type DeviceInfo struct {
	UserAgent string        `json:"userAgent,omitempty"`
	Screen    *DeviceScreen `json:"screen,omitempty"`
	Timezone  string        `json:"timezone,omitempty"`
}

// Payment is the record of one access-purchase attempt, stored under
// payment:{reference} with a TTL of one hour while pending and 24 hours once
// confirmed.
type Payment struct {
	Reference     string      `json:"reference"`
	Amount        int         `json:"amount"`
	MAC           string      `json:"mac,omitempty"`
	IP            string      `json:"ip,omitempty"`
	DeviceInfo    *DeviceInfo `json:"deviceInfo,omitempty"`
	Status        string      `json:"status"`
	ProviderTxnID string      `json:"providerTxnId,omitempty"`
	PhoneNumber   string      `json:"phoneNumber,omitempty"`
	CreatedAt     int64       `json:"createdAt"`   // unix millis
	ConfirmedAt   int64       `json:"confirmedAt,omitempty"` // unix millis
}

// Terminal reports whether the payment can no longer change state.
func (p *Payment) Terminal() bool {
	return p.Status != PaymentStatusPending
}

// Identifier returns the device identity used for enforcement, preferring
// the MAC address over the IP.
func (p *Payment) Identifier() string {
	if p.MAC != "" {
		return p.MAC
	}
	return p.IP
}
