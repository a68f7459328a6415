package access

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

type JWTConfig struct {
	// Secret enables HS256 verification.
	Secret string
	// PublicKeyPEM enables RS256 verification. Takes precedence over Secret.
	PublicKeyPEM []byte
	// Issuer, when set, must match the iss claim.
	Issuer string
	Leeway time.Duration
}

// JWTVerifier authenticates bearer tokens minted by the identity provider.
type JWTVerifier struct {
	parser *jwt.Parser
	key    any
}

type tokenClaims struct {
	UID         any    `json:"uid,omitempty"`
	Role        string `json:"role,omitempty"`
	Email       string `json:"email,omitempty"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	jwt.RegisteredClaims
}

func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	var key any
	switch {
	case len(cfg.PublicKeyPEM) > 0:
		pub, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
		key = pub
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	case cfg.Secret != "":
		key = []byte(cfg.Secret)
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	default:
		return nil, errors.New("jwt verifier requires a secret or a public key")
	}

	return &JWTVerifier{parser: jwt.NewParser(opts...), key: key}, nil
}

func (v *JWTVerifier) Mode() string { return "jwt" }

func (v *JWTVerifier) Authenticate(r *http.Request) (Caller, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Caller{}, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	return v.Verify(raw)
}

// Verify checks the token signature and standard claims, then maps the
// provider claims onto a Caller.
func (v *JWTVerifier) Verify(raw string) (Caller, error) {
	var claims tokenClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return Caller{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	id, ok := numericID(claims.UID)
	if !ok {
		id, ok = numericID(claims.Subject)
	}
	if !ok {
		return Caller{}, fmt.Errorf("%w: token carries no numeric uid or sub", ErrUnauthenticated)
	}

	role, ok := ParseRole(claims.Role)
	if !ok {
		role, ok = highestRole(claims.RealmAccess.Roles)
	}
	if !ok {
		return Caller{}, fmt.Errorf("%w: token carries no known role", ErrUnauthenticated)
	}

	return Caller{ID: id, Role: role, Email: strings.TrimSpace(claims.Email)}, nil
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// websocket upgrades, so the access_token query parameter is accepted too.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func numericID(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n <= 0 || n != math.Trunc(n) || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		id, err := n.Int64()
		return id, err == nil && id > 0
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return id, err == nil && id > 0
	default:
		return 0, false
	}
}
