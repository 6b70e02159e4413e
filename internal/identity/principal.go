// Package identity resolves and authorizes the actors behind approval
// decisions. User and role management live outside the engine; callers
// plug in a TokenValidator and the engine only matches principals
// against approver lists.
package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/tessen/flowcore/pkg/schema"
)

// RolePrefix marks approver entries that grant by role instead of by
// subject, e.g. "role:ops".
const RolePrefix = "role:"

// Principal is a resolved caller identity.
type Principal struct {
	Subject string
	Name    string
	Roles   []string
}

// Validate checks required fields on a principal.
func (p *Principal) Validate() error {
	if p == nil || p.Subject == "" {
		return schema.NewError(schema.ErrCodeValidation, "principal subject is required")
	}
	return nil
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authorized reports whether the principal may act on behalf of an
// approver list. An entry matches by exact subject, or by role when it
// carries the "role:" prefix.
func Authorized(p *Principal, approvers []string) bool {
	if p == nil || p.Subject == "" {
		return false
	}
	for _, entry := range approvers {
		if role, ok := strings.CutPrefix(entry, RolePrefix); ok {
			if p.HasRole(role) {
				return true
			}
			continue
		}
		if entry == p.Subject {
			return true
		}
	}
	return false
}

// TokenValidator resolves an opaque bearer token into a principal.
// Implementations outside this package may call an IdP; the engine
// ships a static map for tests and single-tenant deployments.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Principal, error)
}

// StaticValidator maps fixed tokens to principals.
type StaticValidator struct {
	mu     sync.RWMutex
	tokens map[string]Principal
}

// NewStaticValidator builds a validator over a fixed token table.
func NewStaticValidator(tokens map[string]Principal) *StaticValidator {
	table := make(map[string]Principal, len(tokens))
	for tok, p := range tokens {
		table[tok] = p
	}
	return &StaticValidator{tokens: table}
}

// Add registers a token at runtime.
func (v *StaticValidator) Add(token string, p Principal) error {
	if token == "" {
		return schema.NewError(schema.ErrCodeValidation, "token is required")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = p
	return nil
}

// ValidateToken implements TokenValidator.
func (v *StaticValidator) ValidateToken(_ context.Context, token string) (*Principal, error) {
	v.mu.RLock()
	p, ok := v.tokens[token]
	v.mu.RUnlock()
	if !ok {
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "unknown token")
	}
	out := p
	out.Roles = append([]string(nil), p.Roles...)
	return &out, nil
}
