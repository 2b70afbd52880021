package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AuthProvider defines an interface for authentication providers.
// Different authentication mechanisms implement this interface to be used with the
// Authentication entry. The framework includes BearerTokenProvider, APIKeyProvider and
// BasicAuthProvider.
type AuthProvider interface {
	// Authenticate examines the request for credentials and returns the caller's claims
	// when they are valid.
	Authenticate(req *envelope.Request) (*common.Claims, bool)
}

// BearerTokenProvider provides Bearer Token Authentication.
// It can validate tokens against a predefined map or using a custom validator function.
type BearerTokenProvider struct {
	ValidTokens map[string]*common.Claims              // token -> claims
	Validator   func(token string) (*common.Claims, bool) // optional token validator
}

// Authenticate implements AuthProvider.
func (p *BearerTokenProvider) Authenticate(req *envelope.Request) (*common.Claims, bool) {
	token, ok := strings.CutPrefix(req.Header("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil, false
	}
	if p.Validator != nil {
		return p.Validator(token)
	}
	claims, ok := p.ValidTokens[token]
	return claims, ok
}

// APIKeyProvider provides API Key Authentication.
// It can validate API keys provided in a header or query parameter.
type APIKeyProvider struct {
	ValidKeys map[string]*common.Claims // key -> claims
	Header    string                    // header name (e.g., "X-API-Key")
	Query     string                    // query parameter name (e.g., "api_key")
}

// Authenticate implements AuthProvider.
func (p *APIKeyProvider) Authenticate(req *envelope.Request) (*common.Claims, bool) {
	if p.Header != "" {
		if key := req.Header(p.Header); key != "" {
			if claims, ok := p.ValidKeys[key]; ok {
				return claims, true
			}
		}
	}
	if p.Query != "" {
		if key := req.Query(p.Query); key != "" {
			if claims, ok := p.ValidKeys[key]; ok {
				return claims, true
			}
		}
	}
	return nil, false
}

// BasicUser is a user known to BasicAuthProvider.
type BasicUser struct {
	PasswordHash []byte         // bcrypt hash of the password
	Claims       *common.Claims // claims granted on success
}

// BasicAuthProvider provides HTTP Basic Authentication against bcrypt password hashes.
type BasicAuthProvider struct {
	Users map[string]BasicUser
}

// HashPassword returns the bcrypt hash to store in BasicUser.PasswordHash.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// Authenticate implements AuthProvider.
func (p *BasicAuthProvider) Authenticate(req *envelope.Request) (*common.Claims, bool) {
	std := req.Std()
	if std == nil {
		return nil, false
	}
	username, password, ok := std.BasicAuth()
	if !ok {
		return nil, false
	}
	user, known := p.Users[username]
	if !known {
		// Compare anyway so unknown users cost the same as wrong passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, false
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		return nil, false
	}
	claims := user.Claims
	if claims == nil {
		claims = &common.Claims{}
	}
	if claims.Subject == "" {
		c := *claims
		c.Subject = username
		claims = &c
	}
	return claims, true
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sengine-dummy-password"), bcrypt.MinCost)

// StaticKeyEqual compares two secrets in constant time. It is useful inside custom
// BearerTokenProvider validators.
func StaticKeyEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authentication returns an entry that tries each provider in order and stores the first
// successful result under common.ClaimsKey. It never rejects a request: guards decide
// whether anonymous callers may proceed.
func Authentication(logger *zap.Logger, providers ...AuthProvider) Entry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Entry{
		Name:     "authentication",
		Priority: PriorityAuth,
		Before: func(req *envelope.Request) (*envelope.Response, error) {
			for _, p := range providers {
				if claims, ok := p.Authenticate(req); ok && claims != nil {
					req.Set(common.ClaimsKey, claims)
					return nil, nil
				}
			}
			if req.Header("Authorization") != "" {
				logger.Debug("Authentication failed",
					zap.String("method", req.Method),
					zap.String("path", req.Path),
					zap.String("ip", req.ClientIP()),
				)
			}
			return nil, nil
		},
	}
}
