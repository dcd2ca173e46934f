// Package auth resolves API bearer tokens to principals and decides which
// crmq resources (jobs, connections) a principal may read or change.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Resource is a family of API routes guarded by one scope pair.
type Resource string

const (
	Jobs        Resource = "jobs"
	Connections Resource = "connections"
)

// Access is the level granted on a resource. Write implies Read.
type Access int

const (
	None Access = iota
	Read
	Write
)

// Scope strings as they appear in configuration.
const (
	ScopeAll              = "*"
	ScopeJobsRead         = "jobs:ro"
	ScopeJobsWrite        = "jobs:rw"
	ScopeConnectionsRead  = "connections:ro"
	ScopeConnectionsWrite = "connections:rw"
)

var resources = map[Resource]bool{Jobs: true, Connections: true}

// ParseScope splits a configured scope such as "jobs:rw". The wildcard
// returns an empty resource with Write access.
func ParseScope(s string) (Resource, Access, error) {
	s = strings.TrimSpace(s)
	if s == ScopeAll {
		return "", Write, nil
	}
	name, level, ok := strings.Cut(s, ":")
	if !ok || !resources[Resource(name)] {
		return "", None, fmt.Errorf("unknown scope %q", s)
	}
	switch level {
	case "ro":
		return Resource(name), Read, nil
	case "rw":
		return Resource(name), Write, nil
	}
	return "", None, fmt.Errorf("unknown access %q in scope %q", level, s)
}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. Name is safe to log; the token is
// never kept.
type Principal struct {
	Name   string
	admin  bool
	grants map[Resource]Access
}

// Can reports whether p holds at least want on res.
func (p Principal) Can(res Resource, want Access) bool {
	if p.admin {
		return true
	}
	return p.grants[res] >= want
}

// Admin reports whether p was granted every resource.
func (p Principal) Admin() bool { return p.admin }

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func tokenMatches(presented, configured string) bool {
	if presented == "" || configured == "" || len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// Authenticate matches a presented bearer token. The legacy apiKey is an
// admin; configured tokens get the resources their scopes name. Scopes that
// do not parse grant nothing.
func Authenticate(presented, apiKey string, tokens []TokenConfig) (Principal, bool) {
	if tokenMatches(presented, apiKey) {
		return Principal{Name: "api_key", admin: true}, true
	}
	for i, t := range tokens {
		if !tokenMatches(presented, t.Token) {
			continue
		}
		p := Principal{Name: fmt.Sprintf("token[%d]", i), grants: make(map[Resource]Access, len(resources))}
		for _, s := range t.Scopes {
			res, level, err := ParseScope(s)
			if err != nil {
				continue
			}
			if res == "" {
				p.admin = true
				continue
			}
			if level > p.grants[res] {
				p.grants[res] = level
			}
		}
		return p, true
	}
	return Principal{}, false
}
