package policy

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/agentwarden/soc-sentry/internal/config"
)

// Invariants holds the PolicyEngine's built-in, non-overridable rules: the
// IP/CIDR priority table from the engine's rule table, plus the destructive
// action kind set. These must survive regardless of what an operator's
// policy file says, enforced at evaluation time rather than via CEL so that
// IP parsing goes through a real library (net/netip) instead of regex.
type Invariants struct {
	mu                 sync.RWMutex
	whitelist          []netip.Prefix
	destructiveActions map[string]struct{}
	logger             *slog.Logger
}

// NewInvariants builds an Invariants set from config. Malformed CIDR entries
// are logged and skipped rather than failing startup.
func NewInvariants(cfg config.InvariantsConfig, logger *slog.Logger) *Invariants {
	if logger == nil {
		logger = slog.Default()
	}
	inv := &Invariants{logger: logger.With("component", "policy.Invariants")}
	inv.Update(cfg)
	return inv
}

// Update atomically replaces the whitelist and destructive-action set.
func (inv *Invariants) Update(cfg config.InvariantsConfig) {
	prefixes := make([]netip.Prefix, 0, len(cfg.WhitelistCIDRs))
	for _, raw := range cfg.WhitelistCIDRs {
		p, err := parseCIDROrAddr(raw)
		if err != nil {
			inv.logger.Error("skipping malformed whitelist CIDR", "value", raw, "error", err)
			continue
		}
		prefixes = append(prefixes, p)
	}

	destructive := make(map[string]struct{}, len(cfg.DestructiveActions))
	for _, kind := range cfg.DestructiveActions {
		destructive[kind] = struct{}{}
	}

	inv.mu.Lock()
	inv.whitelist = prefixes
	inv.destructiveActions = destructive
	inv.mu.Unlock()
}

// parseCIDROrAddr accepts either a bare address ("127.0.0.1") or CIDR
// ("10.0.0.0/8") and normalizes both to a netip.Prefix.
func parseCIDROrAddr(raw string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(raw); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a valid IP or CIDR: %q", raw)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Evaluate checks ctx against the built-in priority table (rule numbers per
// spec):
//
//	5    target is whitelisted IP/CIDR         -> DENY (refuse to act against it)
//	10   target is loopback/reserved IP        -> DENY
//	20   target is RFC1918/ULA private IP      -> REQUIRE_APPROVAL
//	25   action kind is in the destructive set -> REQUIRE_APPROVAL
//	30   environment == production             -> REQUIRE_APPROVAL
//
// Returns ok=false if no invariant matched (caller proceeds to operator
// policies then the default rule).
func (inv *Invariants) Evaluate(ctx ActionContext) (Result, bool) {
	inv.mu.RLock()
	whitelist := inv.whitelist
	destructive := inv.destructiveActions
	inv.mu.RUnlock()

	if addr, err := netip.ParseAddr(ctx.Action.Target); err == nil {
		for _, prefix := range whitelist {
			if prefix.Contains(addr) {
				return Result{
					Decision: DecisionDeny, RuleName: "whitelisted_target", Priority: PriorityWhitelistIP,
					Message: fmt.Sprintf("target %s is in the whitelist (%s), refusing to act on it", addr, prefix),
				}, true
			}
		}

		if addr.IsLoopback() || isReserved(addr) {
			return Result{
				Decision: DecisionDeny, RuleName: "loopback_or_reserved_target", Priority: PriorityLoopbackIP,
				Message: fmt.Sprintf("target %s is loopback or reserved, refusing to act on it", addr),
			}, true
		}

		if isPrivate(addr) {
			return Result{
				Decision: DecisionRequireApproval, RuleName: "private_target", Priority: PriorityPrivateIP,
				Message: fmt.Sprintf("target %s is a private-range address, requires approval", addr),
			}, true
		}
	}

	if _, ok := destructive[ctx.Action.Kind]; ok {
		return Result{
			Decision: DecisionRequireApproval, RuleName: "destructive_action", Priority: PriorityDestructive,
			Message: fmt.Sprintf("action kind %q is destructive, requires approval", ctx.Action.Kind),
		}, true
	}

	if ctx.Environment == "production" {
		return Result{
			Decision: DecisionRequireApproval, RuleName: "production_environment", Priority: PriorityProduction,
			Message: "target environment is production, requires approval",
		}, true
	}

	return Result{}, false
}

// isReserved reports whether addr falls in a reserved-use range beyond
// loopback: unspecified, link-local, or multicast. Documentation ranges
// (e.g. 198.51.100.0/24) are not treated as reserved.
func isReserved(addr netip.Addr) bool {
	return addr.IsUnspecified() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast()
}

// isPrivate reports RFC1918 (IPv4) or unique local (IPv6) private ranges.
func isPrivate(addr netip.Addr) bool {
	return addr.IsPrivate()
}
