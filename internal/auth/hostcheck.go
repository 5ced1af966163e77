package auth

import (
	"github.com/nulpointcorp/llm-forward/pkg/apierr"
)

// HostValidator rejects or admits client IPs against a whitelist and a
// blacklist. A nil *HostValidator admits everything.
type HostValidator struct {
	whitelist map[string]struct{}
	blacklist map[string]struct{}
}

// NewHostValidator builds a HostValidator from the configured lists.
// Returns nil when both lists are empty so callers can skip the check
// entirely on the hot path.
func NewHostValidator(whitelist, blacklist []string) *HostValidator {
	if len(whitelist) == 0 && len(blacklist) == 0 {
		return nil
	}
	v := &HostValidator{}
	if len(whitelist) > 0 {
		v.whitelist = make(map[string]struct{}, len(whitelist))
		for _, ip := range whitelist {
			v.whitelist[ip] = struct{}{}
		}
	}
	if len(blacklist) > 0 {
		v.blacklist = make(map[string]struct{}, len(blacklist))
		for _, ip := range blacklist {
			v.blacklist[ip] = struct{}{}
		}
	}
	return v
}

// Validate returns a Forbidden error when ip is outside the whitelist or on
// the blacklist.
func (v *HostValidator) Validate(ip string) error {
	if v == nil {
		return nil
	}
	if v.whitelist != nil {
		if _, ok := v.whitelist[ip]; !ok {
			return apierr.New(apierr.KindForbidden, "IP %s is not on the allow-list", ip)
		}
	}
	if _, ok := v.blacklist[ip]; ok {
		return apierr.New(apierr.KindForbidden, "IP %s is on the deny-list", ip)
	}
	return nil
}
