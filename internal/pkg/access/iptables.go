package access

import (
	"context"
	"log"
)

// IptablesEnforcer inserts and deletes FORWARD-chain accept rules. iptables
// has no native TTL concept; timed removal is owned by the orchestrator's
// sweeper, not by this enforcer.
type IptablesEnforcer struct {
	runner Runner
}

func NewIptablesEnforcer(runner Runner) *IptablesEnforcer {
	return &IptablesEnforcer{runner: runner}
}

func (e *IptablesEnforcer) Name() string { return "iptables" }

func (e *IptablesEnforcer) Apply(ctx context.Context, identifier string, ttlSeconds int) error {
	if err := validateIdentifier(identifier); err != nil {
		return err
	}
	return e.runner.Run(ctx, "iptables", ruleArgs("-I", identifier)...)
}

// Remove deletes the accept rule. The rule is probed with -C first: a failed
// check means it is already gone, which counts as success.
func (e *IptablesEnforcer) Remove(ctx context.Context, identifier string) error {
	if err := validateIdentifier(identifier); err != nil {
		return err
	}
	if err := e.runner.Run(ctx, "iptables", ruleArgs("-C", identifier)...); err != nil {
		log.Printf("access: iptables rule for %s already absent", identifier)
		return nil
	}
	return e.runner.Run(ctx, "iptables", ruleArgs("-D", identifier)...)
}

func ruleArgs(action, identifier string) []string {
	if isMAC(identifier) {
		return []string{action, "FORWARD", "-m", "mac", "--mac-source", identifier, "-j", "ACCEPT"}
	}
	return []string{action, "FORWARD", "-s", identifier, "-j", "ACCEPT"}
}
