package models

// AccessGrant is the authoritative record that a device is currently
// authorized for network access. It exists only for confirmed payments and
// is stored under radius:{reference} with a TTL equal to its own lifetime,
// so its disappearance from the store is the implicit revocation signal.
type AccessGrant struct {
	Reference string `json:"reference"`
	MAC       string `json:"mac,omitempty"`
	IP        string `json:"ip,omitempty"`
	TTL       int    `json:"ttl"` // seconds
}

// Identifier returns the device identity enforced by the backends.
func (g *AccessGrant) Identifier() string {
	if g.MAC != "" {
		return g.MAC
	}
	return g.IP
}
