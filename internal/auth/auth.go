// Package auth resolves API principals to permissions using the roles declared
// in workorder.yml, and mints the HS256 tokens the API accepts.
package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"workorder/internal/config"
)

// Permissions checked by the API and the MCP tools.
const (
	PermWorkorderCreate = "workorder.create"
	PermWorkorderRead   = "workorder.read"
	PermPlanWrite       = "plan.write"
	PermPlanValidate    = "plan.validate"
	PermPartition       = "workorder.partition"
	PermExecute         = "workorder.execute"
	PermSlotVerify      = "slot.verify"
	PermAggregate       = "deliverables.aggregate"
	PermDocument        = "workorder.document"
	PermArchive         = "workorder.archive"
	PermLedgerRead      = "ledger.read"
)

const (
	wildcard             = "*"
	defaultTokenIssuer   = "workorder"
	defaultTokenLifetime = 24 * time.Hour
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

type Principal struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Source      string   `json:"source,omitempty"`
}

// Policy maps roles to permissions.
type Policy struct {
	roles map[string][]string
}

func FromConfig(cfg *config.Config) Policy {
	p := Policy{roles: map[string][]string{}}
	if cfg == nil {
		return p
	}
	for name, role := range cfg.RBAC.Roles {
		p.roles[name] = append([]string(nil), role.Permissions...)
	}
	return p
}

// Permissions returns the sorted effective permissions of a principal: its
// explicit permissions plus those granted by its roles. Unknown roles grant
// nothing.
func (p Policy) Permissions(pr Principal) []string {
	set := map[string]struct{}{}
	for _, perm := range pr.Permissions {
		set[perm] = struct{}{}
	}
	for _, role := range pr.Roles {
		for _, perm := range p.roles[role] {
			set[perm] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

// Require returns ForbiddenError unless pr holds perm.
func (p Policy) Require(pr Principal, perm string) error {
	for _, have := range p.Permissions(pr) {
		if have == perm || have == wildcard {
			return nil
		}
	}
	return ForbiddenError{Permission: perm}
}

type Claims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Authenticate verifies an HS256 token and returns its principal.
func Authenticate(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		ActorID:     claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		Source:      "jwt",
	}, nil
}

type TokenOptions struct {
	Subject  string
	Roles    []string
	Lifetime time.Duration
	Now      func() time.Time
}

// IssueToken signs a token for the given subject and roles.
func IssueToken(secret string, opts TokenOptions) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if opts.Subject == "" {
		return "", errors.New("subject required")
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	lifetime := opts.Lifetime
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	issued := now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.Subject,
			Issuer:    defaultTokenIssuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(lifetime)),
		},
		Roles: opts.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
