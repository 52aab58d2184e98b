package access

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ChilliEnforcer maintains CoovaChilli's authorized-device list and signals
// the daemon to reload it. File access is serialized; chilli rereads the
// whole file on HUP.
type ChilliEnforcer struct {
	path   string // localusers file, e.g. /etc/chilli/localusers
	runner Runner

	mu sync.Mutex
}

func NewChilliEnforcer(path string, runner Runner) *ChilliEnforcer {
	return &ChilliEnforcer{path: path, runner: runner}
}

func (e *ChilliEnforcer) Name() string { return "coova-chilli" }

func (e *ChilliEnforcer) Apply(ctx context.Context, identifier string, ttlSeconds int) error {
	if err := validateIdentifier(identifier); err != nil {
		return err
	}

	e.mu.Lock()
	err := e.appendEntry(identifier, ttlSeconds)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.reload(ctx)
}

// Remove drops the identifier's entries from the list. An identifier that is
// not in the file is success and skips the reload.
func (e *ChilliEnforcer) Remove(ctx context.Context, identifier string) error {
	if err := validateIdentifier(identifier); err != nil {
		return err
	}

	e.mu.Lock()
	changed, err := e.dropEntry(identifier)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return e.reload(ctx)
}

func (e *ChilliEnforcer) appendEntry(identifier string, ttlSeconds int) error {
	f, err := os.OpenFile(e.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("access: open %s: %w", e.path, err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s Auth-Type := Accept, Session-Timeout := %d\n", identifier, ttlSeconds)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("access: append %s: %w", e.path, err)
	}
	return nil
}

func (e *ChilliEnforcer) dropEntry(identifier string) (bool, error) {
	data, err := os.ReadFile(e.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("access: read %s: %w", e.path, err)
	}

	kept := make([]string, 0)
	changed := false
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == identifier {
			changed = true
			continue
		}
		kept = append(kept, line)
	}
	if !changed {
		return false, nil
	}

	if err := os.WriteFile(e.path, []byte(strings.Join(kept, "\n")), 0o644); err != nil {
		return false, fmt.Errorf("access: rewrite %s: %w", e.path, err)
	}
	return true, nil
}

func (e *ChilliEnforcer) reload(ctx context.Context) error {
	return e.runner.Run(ctx, "killall", "-HUP", "chilli")
}
