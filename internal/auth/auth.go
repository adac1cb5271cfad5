// Package auth verifies bearer tokens and carries the resulting user
// identity through the request pipeline.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quaylabs/breakwater/internal/apierror"
)

// UserContext is the verified identity attached to a request. Immutable once
// built; discarded with the request.
type UserContext struct {
	Subject     string
	Username    string
	Email       string
	Roles       []string
	Permissions []string
	Tier        string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// HasAnyRole reports whether the user holds at least one of the given roles.
func (u *UserContext) HasAnyRole(roles []string) bool {
	return anyOf(u.Roles, roles)
}

// HasAnyPermission reports whether the user holds at least one of the given
// permissions.
func (u *UserContext) HasAnyPermission(perms []string) bool {
	return anyOf(u.Permissions, perms)
}

func anyOf(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// Authenticator verifies HS256 tokens against a process-wide secret.
type Authenticator struct {
	Secret []byte
	Leeway time.Duration
}

// ExtractBearer pulls the credential out of the Authorization header,
// accepting both "Bearer <token>" and a bare token.
func ExtractBearer(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return authz
}

// Authenticate runs required-mode verification on the request. Missing or
// invalid credentials surface as mapped 401 errors.
func (a Authenticator) Authenticate(r *http.Request) (*UserContext, error) {
	tok := ExtractBearer(r)
	if tok == "" {
		return nil, apierror.New(apierror.MissingToken, "authorization token required")
	}
	return a.Verify(tok)
}

// AuthenticateOptional never fails: a missing or bad token simply yields no
// user.
func (a Authenticator) AuthenticateOptional(r *http.Request) *UserContext {
	tok := ExtractBearer(r)
	if tok == "" {
		return nil
	}
	u, err := a.Verify(tok)
	if err != nil {
		return nil
	}
	return u
}

// Verify checks signature and time claims and builds the UserContext.
func (a Authenticator) Verify(tokenStr string) (*UserContext, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.Leeway),
	)
	tok, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	})
	if err != nil {
		return nil, mapJWTError(err)
	}
	if tok == nil || !tok.Valid {
		return nil, apierror.New(apierror.InvalidToken, "invalid token")
	}

	u := fromClaims(claims)
	if u.Subject == "" {
		return nil, apierror.New(apierror.InvalidToken, "token has no subject")
	}
	return u, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apierror.Wrap(apierror.TokenExpired, "token expired", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return apierror.Wrap(apierror.TokenNotActive, "token not yet active", err)
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return apierror.Wrap(apierror.InvalidToken, "invalid token", err)
	default:
		return apierror.Wrap(apierror.AuthFailed, "authentication failed", err)
	}
}

// fromClaims builds a UserContext with the documented fallbacks:
// sub -> userId -> id for the subject.
func fromClaims(claims jwt.MapClaims) *UserContext {
	u := &UserContext{
		Subject:     firstString(claims, "sub", "userId", "id"),
		Username:    firstString(claims, "username", "name"),
		Email:       firstString(claims, "email"),
		Roles:       stringSlice(claims["roles"]),
		Permissions: stringSlice(claims["permissions"]),
		Tier:        firstString(claims, "tier"),
	}
	if iat, ok := numericTime(claims["iat"]); ok {
		u.IssuedAt = iat
	}
	if exp, ok := numericTime(claims["exp"]); ok {
		u.ExpiresAt = exp
	}
	return u
}

func firstString(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if s, ok := claims[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func numericTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0), true
	case int64:
		return time.Unix(t, 0), true
	default:
		return time.Time{}, false
	}
}

// MintOptions describes a token to issue. Zero-value fields fall back to
// sensible dev defaults.
type MintOptions struct {
	Subject     string
	Username    string
	Email       string
	Roles       []string
	Permissions []string
	Tier        string
	TTL         time.Duration
}

// Mint signs a token carrying the given claims. Used by cmd/token and the
// development-only test-token endpoint.
func (a Authenticator) Mint(opts MintOptions) (string, error) {
	if opts.Subject == "" {
		opts.Subject = "user_dev"
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	now := time.Now()

	claims := jwt.MapClaims{
		"sub": opts.Subject,
		"iat": now.Unix(),
		"exp": now.Add(opts.TTL).Unix(),
	}
	if opts.Username != "" {
		claims["username"] = opts.Username
	}
	if opts.Email != "" {
		claims["email"] = opts.Email
	}
	if len(opts.Roles) > 0 {
		claims["roles"] = opts.Roles
	}
	if len(opts.Permissions) > 0 {
		claims["permissions"] = opts.Permissions
	}
	if opts.Tier != "" {
		claims["tier"] = opts.Tier
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(a.Secret)
}

// Authorize enforces any-of role and permission requirements against the
// user. A nil user with requirements configured is an authentication error.
func Authorize(u *UserContext, roles, perms []string) error {
	if len(roles) == 0 && len(perms) == 0 {
		return nil
	}
	if u == nil {
		return apierror.New(apierror.AuthRequired, "authentication required")
	}
	if !u.HasAnyRole(roles) {
		return apierror.New(apierror.InsufficientPerms, "insufficient role").
			WithDetail("required_roles", roles)
	}
	if !u.HasAnyPermission(perms) {
		return apierror.New(apierror.InsufficientPerms, "insufficient permissions").
			WithDetail("required_permissions", perms)
	}
	return nil
}
