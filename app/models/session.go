package models

// Session is the logical record of an authorized device, independent of the
// enforcement backends. Stored under session:{reference}; the companion
// active:{identifier} index carries the same TTL and maps the device back to
// the reference.
type Session struct {
	Reference  string `json:"reference"`
	MAC        string `json:"mac,omitempty"`
	IP         string `json:"ip,omitempty"`
	TTL        int    `json:"ttl"` // seconds
	CreatedAt  int64  `json:"createdAt"`          // unix millis
	LastSeenAt int64  `json:"lastSeen,omitempty"` // unix millis
}

// Identifier returns the device identity the active-index is keyed by.
func (s *Session) Identifier() string {
	if s.MAC != "" {
		return s.MAC
	}
	return s.IP
}
