package access

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"
)

// NetworkEnforcer is one backend mechanism that physically allows or blocks
// traffic for a device identifier (MAC or IP). Remove must treat "rule not
// present" as success so TTL expiry and explicit revocation never fight.
type NetworkEnforcer interface {
	Name() string
	Apply(ctx context.Context, identifier string, ttlSeconds int) error
	Remove(ctx context.Context, identifier string) error
}

// Runner executes an external command with a bounded runtime. Identifiers
// are passed as discrete argv elements, never interpolated into a shell
// string.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct {
	timeout time.Duration
}

// NewExecRunner returns a Runner that cuts commands off after timeout, so a
// hanging firewall binary cannot block the grant path indefinitely.
func NewExecRunner(timeout time.Duration) Runner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &execRunner{timeout: timeout}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// validateIdentifier rejects anything that is not a well-formed MAC address
// or IP literal before it reaches an external command or query.
func validateIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("access: empty identifier")
	}
	if _, err := net.ParseMAC(identifier); err == nil {
		return nil
	}
	if net.ParseIP(identifier) != nil {
		return nil
	}
	return fmt.Errorf("access: malformed identifier %q", identifier)
}

func isMAC(identifier string) bool {
	_, err := net.ParseMAC(identifier)
	return err == nil
}
