package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
)

const revocationCacheSize = 4096

// TokenClaims carries the agent identity embedded in a handshake token.
type TokenClaims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AgentID returns the subject claim.
func (c *TokenClaims) AgentID() string {
	return c.Subject
}

// TokenService validates HMAC-signed handshake tokens and tracks revoked
// token ids (jti). Revocations live in an expiring LRU sized to outlast any
// token lifetime the server issues.
type TokenService struct {
	secret     []byte
	method     *jwt.SigningMethodHMAC
	issuer     string
	audience   string
	revoked    *lru.LRU[string, struct{}]
	defaultTTL time.Duration
}

// NewTokenService configures validation for the given algorithm
// (HS256/HS384/HS512), shared secret and expected issuer/audience.
// Empty issuer or audience disables that check.
func NewTokenService(secret, algorithm, issuer, audience string) (*TokenService, error) {
	var method *jwt.SigningMethodHMAC
	switch algorithm {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, errors.New("unsupported signing algorithm: " + algorithm)
	}
	return &TokenService{
		secret:     []byte(secret),
		method:     method,
		issuer:     issuer,
		audience:   audience,
		revoked:    lru.NewLRU[string, struct{}](revocationCacheSize, nil, 25*time.Hour),
		defaultTTL: 24 * time.Hour,
	}, nil
}

// Generate creates a signed token for an agent. Used by operator tooling
// and tests; the server itself only validates.
func (s *TokenService) Generate(agentID, name, role string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	now := time.Now()
	claims := TokenClaims{
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	token := jwt.NewWithClaims(s.method, claims)
	return token.SignedString(s.secret)
}

// Validate parses a token and enforces signature, expiry, issuer, audience
// and the revocation set.
func (s *TokenService) Validate(tokenString string) (*TokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.ID != "" {
		if _, revoked := s.revoked.Get(claims.ID); revoked {
			return nil, ErrRevokedToken
		}
	}

	return claims, nil
}

// Revoke adds a token id to the revocation set.
func (s *TokenService) Revoke(jti string) {
	if jti != "" {
		s.revoked.Add(jti, struct{}{})
	}
}
