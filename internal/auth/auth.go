// Package auth implements the gateway's credential indirection: clients
// authenticate with a gateway-issued forward key, which is mapped to an
// access level and exchanged for one of the upstream secret keys registered
// at that level.
//
// Selection among multiple secret keys at the same level is round-robin with
// a per-level atomic cursor, so concurrent requests never funnel into a
// single upstream credential.
package auth

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/nulpointcorp/llm-forward/pkg/apierr"
)

const bearerPrefix = "Bearer "

// ModelSet is a level's model allow-list. The nil ModelSet is the allow-all
// set used for level 0.
type ModelSet map[string]struct{}

// Allows reports whether model is permitted by the set.
func (s ModelSet) Allows(model string) bool {
	if s == nil {
		return true
	}
	_, ok := s[model]
	return ok
}

// levelPool holds the secret keys serving one access level plus the shared
// round-robin cursor advanced by every request at that level.
type levelPool struct {
	keys   []string
	cursor atomic.Uint64
}

func (p *levelPool) next() string {
	n := p.cursor.Add(1) - 1
	return p.keys[n%uint64(len(p.keys))]
}

// KeyAuthorizer resolves forward keys to upstream secret keys and enforces
// per-level model allow-lists. All tables are built once at construction;
// request-path lookups are read-only except for the atomic cursors, so a
// single instance is safe for concurrent use.
type KeyAuthorizer struct {
	forwardKeys map[string]int // forward key -> level
	pools       map[int]*levelPool
	levelModels map[int]ModelSet

	// noAuthPool is non-nil when secret keys exist but no forward keys are
	// registered: every inbound call draws the next key from this pool, which
	// cycles all registered secret keys regardless of level.
	noAuthPool *levelPool
}

// New builds a KeyAuthorizer.
//
//   - secretKeys maps each upstream secret key to the levels it serves.
//   - forwardKeys maps each level to the forward keys issued at that level.
//   - levelModels maps a non-zero level to its model allow-list.
//
// Secret keys within a level are ordered deterministically so that
// round-robin behaviour is reproducible across restarts.
func New(secretKeys map[string][]int, forwardKeys map[int][]string, levelModels map[int][]string) *KeyAuthorizer {
	a := &KeyAuthorizer{
		forwardKeys: make(map[string]int),
		pools:       make(map[int]*levelPool),
		levelModels: make(map[int]ModelSet, len(levelModels)),
	}

	for sk, levels := range secretKeys {
		for _, level := range levels {
			pool := a.pools[level]
			if pool == nil {
				pool = &levelPool{}
				a.pools[level] = pool
			}
			pool.keys = append(pool.keys, sk)
		}
	}
	for _, pool := range a.pools {
		sort.Strings(pool.keys)
	}

	for level, fks := range forwardKeys {
		for _, fk := range fks {
			a.forwardKeys[fk] = level
		}
	}

	for level, models := range levelModels {
		set := make(ModelSet, len(models))
		for _, m := range models {
			set[m] = struct{}{}
		}
		a.levelModels[level] = set
	}

	if len(a.forwardKeys) == 0 && len(secretKeys) > 0 {
		all := &levelPool{keys: make([]string, 0, len(secretKeys))}
		for sk := range secretKeys {
			all.keys = append(all.keys, sk)
		}
		sort.Strings(all.keys)
		a.noAuthPool = all
	}

	return a
}

// Grant is the result of a successful authorization.
type Grant struct {
	// Authorization is the value to substitute into the outbound header.
	// Empty when the inbound header should pass through untouched.
	Authorization string

	// Level is the caller's access level.
	Level int

	// Models is the caller's model allow-list (nil = allow all).
	Models ModelSet
}

// Authorize resolves the inbound Authorization header value to a Grant.
//
// In no-auth mode every call receives the next secret key drawn round-robin
// across all registered keys. Otherwise the bearer token is looked up in the
// forward-key table; a known key is exchanged for the next secret key at its
// level. An unknown (or absent) credential passes through unauthenticated at
// level 0 unless model allow-lists are configured, in which case it is
// rejected as Unauthorized.
func (a *KeyAuthorizer) Authorize(authorization string) (Grant, error) {
	if a.noAuthPool != nil {
		return Grant{
			Authorization: bearerPrefix + a.noAuthPool.next(),
			Level:         0,
		}, nil
	}

	token := strings.TrimPrefix(authorization, bearerPrefix)
	if level, ok := a.forwardKeys[token]; ok {
		pool := a.pools[level]
		if pool == nil {
			return Grant{}, apierr.New(apierr.KindUnauthorized,
				"no upstream credential is registered for access level %d", level)
		}
		return Grant{
			Authorization: bearerPrefix + pool.next(),
			Level:         level,
			Models:        a.levelModels[level],
		}, nil
	}

	if len(a.forwardKeys) > 0 && len(a.levelModels) > 0 {
		return Grant{}, apierr.New(apierr.KindUnauthorized, "invalid forward key")
	}

	// Unknown credential with no enforcement configured: pass through
	// unauthenticated against the upstream.
	return Grant{Level: 0}, nil
}

// FkToSk resolves a bare forward key to (secret key, level). It is the
// table-level primitive behind Authorize, exposed for diagnostics and tests.
// The boolean reports whether the forward key is registered; an unknown key
// resolves to ("", 0, false) rather than drawing a level-0 credential.
func (a *KeyAuthorizer) FkToSk(fk string) (string, int, bool) {
	level, ok := a.forwardKeys[fk]
	if !ok {
		return "", 0, false
	}
	pool := a.pools[level]
	if pool == nil {
		return "", level, true
	}
	return pool.next(), level, true
}

// CheckModel enforces the grant's model allow-list. Level 0 admits every
// model; any other level requires explicit membership.
func CheckModel(g Grant, model string) error {
	if g.Level == 0 || g.Models.Allows(model) {
		return nil
	}
	return apierr.New(apierr.KindForbidden,
		"model %q is not permitted for access level %d", model, g.Level)
}
