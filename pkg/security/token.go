package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nexhaptics/haplink/pkg/fault"
)

// Common errors for token operations.
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrInvalidSecretLength = errors.New("token secret must be at least 32 characters")
)

// Permissions is the authorization set carried by an authenticated session.
type Permissions struct {
	CanControl   bool `json:"can_control"`
	CanConfigure bool `json:"can_configure"`
	CanMonitor   bool `json:"can_monitor"`

	// AllowedPatterns restricts which pattern types the principal may
	// start. Empty means all.
	AllowedPatterns []string `json:"allowed_patterns,omitempty"`

	// MaxIntensity caps command intensity for this principal [0,100].
	// Zero means no per-user cap.
	MaxIntensity float64 `json:"max_intensity,omitempty"`

	// WindowStart/WindowEnd optionally restrict control to a time-of-day
	// window, expressed as minutes since midnight local time.
	WindowStart int `json:"window_start,omitempty"`
	WindowEnd   int `json:"window_end,omitempty"`
}

// PatternAllowed reports whether the principal may start the named pattern.
func (p Permissions) PatternAllowed(pattern string) bool {
	if len(p.AllowedPatterns) == 0 || pattern == "" || pattern == "constant" {
		return true
	}
	for _, a := range p.AllowedPatterns {
		if a == pattern {
			return true
		}
	}
	return false
}

// InWindow reports whether t falls inside the principal's time-of-day
// window. A zero window (start == end == 0) means always.
func (p Permissions) InWindow(t time.Time) bool {
	if p.WindowStart == 0 && p.WindowEnd == 0 {
		return true
	}
	minutes := t.Hour()*60 + t.Minute()
	if p.WindowStart <= p.WindowEnd {
		return minutes >= p.WindowStart && minutes < p.WindowEnd
	}
	// Window crossing midnight.
	return minutes >= p.WindowStart || minutes < p.WindowEnd
}

// Principal is the result of a successful authentication.
type Principal struct {
	UserID      string
	Permissions Permissions
	ExpiresAt   time.Time
}

// sessionClaims is the JWT claim set issued to gateway clients.
type sessionClaims struct {
	jwt.RegisteredClaims
	Permissions Permissions `json:"perms"`
}

// TokenConfig configures token verification and issuance.
type TokenConfig struct {
	// Secret is the HMAC signing key. Must be at least 32 characters.
	Secret string `mapstructure:"secret" yaml:"secret"`

	// Issuer is the expected token issuer. Default: "haplink".
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// TokenDuration is the lifetime of issued tokens. Default: 15 minutes.
	TokenDuration time.Duration `mapstructure:"token_duration" yaml:"token_duration"`
}

// TokenService verifies and issues the short-lived signed credentials
// presented at session start. Verification is stateless.
type TokenService struct {
	config TokenConfig
}

// NewTokenService creates a token service.
func NewTokenService(config TokenConfig) (*TokenService, error) {
	if len(config.Secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	if config.Issuer == "" {
		config.Issuer = "haplink"
	}
	if config.TokenDuration == 0 {
		config.TokenDuration = 15 * time.Minute
	}
	return &TokenService{config: config}, nil
}

// Issue creates a signed token for the given user and permission set.
// Used by the CLI and by auth-refresh handling.
func (s *TokenService) Issue(userID string, perms Permissions) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenDuration)),
		},
		Permissions: perms,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns the principal it names.
func (s *TokenService) Verify(tokenString string) (*Principal, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	}, jwt.WithIssuer(s.config.Issuer))

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fault.Wrap(fault.KindAuth, "token expired", ErrExpiredToken)
	case err != nil:
		return nil, fault.Wrap(fault.KindAuth, "token verification failed", ErrInvalidToken)
	case !token.Valid:
		return nil, fault.Wrap(fault.KindAuth, "token invalid", ErrInvalidToken)
	}

	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return &Principal{
		UserID:      claims.Subject,
		Permissions: claims.Permissions,
		ExpiresAt:   expires,
	}, nil
}
