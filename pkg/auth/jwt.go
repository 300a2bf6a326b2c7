package auth

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidClaims    = errors.New("invalid token claims")
	ErrMissingToken     = errors.New("missing authentication token")
	ErrInsufficientRole = errors.New("insufficient permissions")
	ErrUnknownRole      = errors.New("unknown role")
)

// Role represents a caller's access level
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator" // may trigger runs
	RoleViewer   Role = "viewer"   // read-only status
)

// roleLevels defines permissions for each role
var roleLevels = map[Role]int{
	RoleAdmin:    100,
	RoleOperator: 50,
	RoleViewer:   10,
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleLevels[r]; !ok {
		return "", errors.Wrapf(ErrUnknownRole, "%q", s)
	}
	return r, nil
}

// HasPermission checks if role has at least the required permission level
func (r Role) HasPermission(required Role) bool {
	level, ok := roleLevels[r]
	return ok && level >= roleLevels[required]
}

// Claims represents JWT token claims
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey   string
	Issuer      string
	TokenExpiry time.Duration
}

// DefaultJWTConfig returns defaults for tokens minted with the CLI
func DefaultJWTConfig(secret string) JWTConfig {
	return JWTConfig{
		SecretKey:   secret,
		Issuer:      "tidalsched",
		TokenExpiry: 30 * 24 * time.Hour,
	}
}

// JWTService handles JWT operations
type JWTService struct {
	config JWTConfig
}

// NewJWTService creates a new JWT service
func NewJWTService(config JWTConfig) (*JWTService, error) {
	if config.SecretKey == "" {
		return nil, errors.New("JWT secret key is required")
	}
	return &JWTService{config: config}, nil
}

// GenerateToken creates a signed token for subject with the given role
func (s *JWTService) GenerateToken(subject string, role Role, now time.Time) (string, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return "", err
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.SecretKey))
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(s.config.SecretKey), nil
	}, jwt.WithIssuer(s.config.Issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	if _, err := ParseRole(string(claims.Role)); err != nil {
		return nil, ErrInvalidClaims
	}

	return claims, nil
}
