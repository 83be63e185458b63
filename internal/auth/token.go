package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/BradenHooton/keyforge/internal/models"
)

// TokenConfig configures a TokenManager.
type TokenConfig struct {
	Secret     string
	TTL        time.Duration
	VerifyTTL  time.Duration
	Issuer     string
	Audience   string
	Production bool
}

// TokenManager issues and validates HS256 tokens. It is stateless; early
// invalidation is the job of the revocation list.
type TokenManager struct {
	secret    []byte
	ttl       time.Duration
	verifyTTL time.Duration
	issuer    string
	audience  string
	now       func() time.Time
}

// NewTokenManager refuses to build without a secret, issuer or audience.
// Tokens minted with an empty aud would never validate.
func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if cfg.Secret == "" {
		if cfg.Production {
			return nil, fmt.Errorf("%w: token secret is required in production", models.ErrConfig)
		}
		return nil, fmt.Errorf("%w: token secret is empty", models.ErrConfig)
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, fmt.Errorf("%w: token issuer and audience are required", models.ErrConfig)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.VerifyTTL <= 0 {
		cfg.VerifyTTL = 24 * time.Hour
	}
	return &TokenManager{
		secret:    []byte(cfg.Secret),
		ttl:       cfg.TTL,
		verifyTTL: cfg.VerifyTTL,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		now:       time.Now,
	}, nil
}

// TTL is the lifetime of access tokens.
func (tm *TokenManager) TTL() time.Duration { return tm.ttl }

// VerifyTTL is the lifetime of email verification tokens.
func (tm *TokenManager) VerifyTTL() time.Duration { return tm.verifyTTL }

// Issue creates an access token for subject carrying a role snapshot.
func (tm *TokenManager) Issue(subject, email string, role models.Role, extra map[string]string) (string, *models.TokenClaims, error) {
	return tm.sign(models.TokenTypeAccess, subject, email, role, extra, tm.ttl)
}

// IssueVerification creates a single-purpose email verification token.
func (tm *TokenManager) IssueVerification(subject, email string) (string, error) {
	token, _, err := tm.sign(models.TokenTypeVerify, subject, email, "", nil, tm.verifyTTL)
	return token, err
}

func (tm *TokenManager) sign(typ, subject, email string, role models.Role, extra map[string]string, ttl time.Duration) (string, *models.TokenClaims, error) {
	now := tm.now()
	claims := &models.TokenClaims{
		Type:   typ,
		UserID: subject,
		Email:  email,
		Role:   role,
		Extra:  extra,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			Issuer:    tm.issuer,
			Audience:  jwt.ClaimStrings{tm.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign %s token: %w", typ, err)
	}
	return signed, claims, nil
}

// ValidateToken verifies an access token. It fails closed: any parse,
// signature, expiry, issuer or audience problem is an error.
func (tm *TokenManager) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	return tm.parse(tokenString, models.TokenTypeAccess)
}

// ValidateVerification verifies an email verification token.
func (tm *TokenManager) ValidateVerification(tokenString string) (*models.TokenClaims, error) {
	return tm.parse(tokenString, models.TokenTypeVerify)
}

// Validate reports validity without exposing why a token failed.
func (tm *TokenManager) Validate(tokenString string) models.ValidationResult {
	claims, err := tm.ValidateToken(tokenString)
	if err != nil {
		return models.ValidationResult{Valid: false}
	}
	return models.ValidationResult{Valid: true, Claims: claims}
}

func (tm *TokenManager) parse(tokenString, wantType string) (*models.TokenClaims, error) {
	if tokenString == "" {
		return nil, models.ErrTokenInvalid
	}

	claims := &models.TokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tm.issuer),
		jwt.WithAudience(tm.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(tm.now),
	)

	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, models.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", models.ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, models.ErrTokenInvalid
	}

	if claims.Type != wantType {
		return nil, fmt.Errorf("%w: unexpected token type %q", models.ErrTokenInvalid, claims.Type)
	}
	if claims.UserID == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing subject or id", models.ErrTokenInvalid)
	}

	return claims, nil
}
