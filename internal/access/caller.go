package access

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// Role is the organizational role carried by a caller's identity token.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDirecteur  Role = "directeur"
	RoleManager    Role = "manager"
	RoleCommercial Role = "commercial"
)

// rolePrecedence orders roles from most to least privileged. When a token
// carries several roles the first match wins.
var rolePrecedence = []Role{RoleAdmin, RoleDirecteur, RoleManager, RoleCommercial}

func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range rolePrecedence {
		if r == known {
			return r, true
		}
	}
	return "", false
}

func highestRole(raw []string) (Role, bool) {
	held := make(map[Role]bool, len(raw))
	for _, s := range raw {
		if r, ok := ParseRole(s); ok {
			held[r] = true
		}
	}
	for _, r := range rolePrecedence {
		if held[r] {
			return r, true
		}
	}
	return "", false
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	ID    int64  `json:"id"`
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
}

// Authenticator resolves the caller of an HTTP request.
type Authenticator interface {
	Authenticate(r *http.Request) (Caller, error)
	Mode() string
}

type callerKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// HeaderAuthenticator trusts X-Debug-User-Id and X-Debug-Role. It exists for
// local development with AUTH_MODE=disabled and must never face real users.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Mode() string { return "disabled" }

func (HeaderAuthenticator) Authenticate(r *http.Request) (Caller, error) {
	rawID := strings.TrimSpace(r.Header.Get("X-Debug-User-Id"))
	if rawID == "" {
		rawID = strings.TrimSpace(r.URL.Query().Get("debug_user_id"))
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return Caller{}, errors.Join(ErrUnauthenticated, errors.New("missing or invalid X-Debug-User-Id"))
	}

	rawRole := r.Header.Get("X-Debug-Role")
	if strings.TrimSpace(rawRole) == "" {
		rawRole = r.URL.Query().Get("debug_role")
	}
	role, ok := ParseRole(rawRole)
	if !ok {
		return Caller{}, errors.Join(ErrUnauthenticated, errors.New("missing or unknown X-Debug-Role"))
	}
	return Caller{ID: id, Role: role}, nil
}
