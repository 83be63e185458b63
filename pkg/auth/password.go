package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultBcryptCost = 12
	MaxPasswordLen    = 128 // bcrypt truncates past 72 bytes; anything longer is rejected outright
	ResetTokenBytes   = 16  // 32 hex chars
)

// Violation names a single failed password rule.
type Violation string

const (
	TooShort     Violation = "tooShort"
	TooLong      Violation = "tooLong"
	NoUppercase  Violation = "noUppercase"
	NoLowercase  Violation = "noLowercase"
	NoNumbers    Violation = "noNumbers"
	NoSpecial    Violation = "noSpecialChars"
	TooCommon    Violation = "tooCommon"
)

// PasswordPolicy holds the configurable strength rules.
type PasswordPolicy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireNumbers   bool
	RequireSpecial   bool
	RejectCommon     bool
}

// DefaultPasswordPolicy: length 8, upper, lower and digit required, special
// characters optional.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        8,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireNumbers:   true,
		RequireSpecial:   false,
		RejectCommon:     true,
	}
}

// PolicyResult is the outcome of validating a candidate.
type PolicyResult struct {
	Valid      bool
	Violations []Violation
}

// Strings returns the violation names in rule order.
func (r PolicyResult) Strings() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = string(v)
	}
	return out
}

// Common weak passwords to reject
var commonPasswords = map[string]bool{
	"password":     true,
	"password1":    true,
	"12345678":     true,
	"qwerty":       true,
	"abc123":       true,
	"password123":  true,
	"password123!": true,
	"123456":       true,
	"letmein":      true,
	"welcome":      true,
	"welcome1":     true,
	"monkey":       true,
	"dragon":       true,
	"master":       true,
	"passw0rd":     true,
	"sunshine":     true,
	"princess":     true,
	"football":     true,
	"trustno1":     true,
	"iloveyou":     true,
}

// Validate checks candidate against every rule and reports all violations
// at once. It has no side effects.
func (p PasswordPolicy) Validate(candidate string) PolicyResult {
	var violations []Violation

	if utf8.RuneCountInString(candidate) < p.MinLength {
		violations = append(violations, TooShort)
	}
	if len(candidate) > MaxPasswordLen {
		violations = append(violations, TooLong)
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range candidate {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if p.RequireUppercase && !hasUpper {
		violations = append(violations, NoUppercase)
	}
	if p.RequireLowercase && !hasLower {
		violations = append(violations, NoLowercase)
	}
	if p.RequireNumbers && !hasDigit {
		violations = append(violations, NoNumbers)
	}
	if p.RequireSpecial && !hasSpecial {
		violations = append(violations, NoSpecial)
	}
	if p.RejectCommon && commonPasswords[strings.ToLower(candidate)] {
		violations = append(violations, TooCommon)
	}

	return PolicyResult{Valid: len(violations) == 0, Violations: violations}
}

// Hasher wraps bcrypt with a tunable cost.
type Hasher struct {
	cost int
}

func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &Hasher{cost: cost}
}

func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

func (h *Hasher) Compare(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

// GenerateResetToken returns a 32-character random hex token.
func GenerateResetToken() (string, error) {
	b := make([]byte, ResetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate reset token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
