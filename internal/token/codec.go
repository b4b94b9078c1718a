package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretBytes is the smallest accepted HMAC key (256 bits).
const MinSecretBytes = 32

const defaultIssuer = "auth-service"

var (
	ErrMalformed       = errors.New("token malformed")
	ErrBadSignature    = errors.New("token signature invalid")
	ErrExpired         = errors.New("token expired")
	ErrWrongKind       = errors.New("token kind mismatch")
	ErrPurposeMismatch = errors.New("token purpose mismatch")
)

// Codec signs and verifies every token kind with a single HS256 key.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewCodec(secret []byte, issuer string) (*Codec, error) {
	if len(secret) < MinSecretBytes {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes, got %d", MinSecretBytes, len(secret))
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}

	key := make([]byte, len(secret))
	copy(key, secret)

	return &Codec{
		secret: key,
		issuer: issuer,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock replaces the time source used for iat/exp and expiry checks.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	if now != nil {
		c.now = now
	}
	return c
}

type MintParams struct {
	Kind        Kind
	OwnerID     string
	OwnerName   string
	Roles       []string
	Permissions []string
	DeviceID    string
	ClientIP    string
	SessionID   string
	Purpose     string
	TTL         time.Duration
}

type Minted struct {
	Value     string
	ID        string
	Claims    Claims
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c *Codec) Mint(p MintParams) (Minted, error) {
	if !p.Kind.Valid() {
		return Minted{}, fmt.Errorf("mint token: unknown kind %q", p.Kind)
	}
	if strings.TrimSpace(p.OwnerID) == "" {
		return Minted{}, errors.New("mint token: owner id is required")
	}
	if p.TTL <= 0 {
		return Minted{}, errors.New("mint token: ttl must be positive")
	}
	if p.Kind == KindTemp && strings.TrimSpace(p.Purpose) == "" {
		return Minted{}, errors.New("mint token: temp token requires a purpose")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Minted{}, fmt.Errorf("generate token id: %w", err)
	}

	// NumericDate is second precision on the wire; keep records in step with it.
	issuedAt := c.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(p.TTL)

	claims := Claims{
		Username:  p.OwnerName,
		Kind:      p.Kind,
		DeviceID:  p.DeviceID,
		ClientIP:  p.ClientIP,
		SessionID: p.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.String(),
			Issuer:    c.issuer,
			Subject:   p.OwnerID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	switch p.Kind {
	case KindAccess:
		claims.Roles = cloneStrings(p.Roles)
		claims.Permissions = cloneStrings(p.Permissions)
	case KindTemp:
		claims.Purpose = p.Purpose
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return Minted{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Minted{
		Value:     encoded,
		ID:        claims.ID,
		Claims:    claims,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify checks signature, issuer and expiry. On ErrExpired the decoded
// claims are still returned so callers such as logout can resolve the owner.
func (c *Codec) Verify(value string) (*Claims, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrMalformed
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	_, err := parser.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformed
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, ErrBadSignature
		case errors.Is(err, jwt.ErrTokenExpired):
			if claims.wellFormed() {
				return claims, ErrExpired
			}
			return nil, ErrExpired
		default:
			return nil, ErrMalformed
		}
	}
	if !claims.wellFormed() {
		return nil, ErrMalformed
	}

	return claims, nil
}

func (c *Codec) VerifyKind(value string, kind Kind) (*Claims, error) {
	claims, err := c.Verify(value)
	if err != nil {
		return claims, err
	}
	if claims.Kind != kind {
		return nil, ErrWrongKind
	}
	return claims, nil
}

// VerifyPurpose fails closed when either side of the comparison is empty.
func (c *Codec) VerifyPurpose(value, expectedPurpose string) (*Claims, error) {
	claims, err := c.VerifyKind(value, KindTemp)
	if err != nil {
		return nil, err
	}
	expectedPurpose = strings.TrimSpace(expectedPurpose)
	if expectedPurpose == "" || claims.Purpose == "" || claims.Purpose != expectedPurpose {
		return nil, ErrPurposeMismatch
	}
	return claims, nil
}

// PeekID returns the jti without verifying the signature. It exists so the
// blacklist can be consulted before any cryptographic work.
func (c *Codec) PeekID(value string) (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(value), claims); err != nil {
		return "", ErrMalformed
	}
	if claims.ID == "" {
		return "", ErrMalformed
	}
	return claims.ID, nil
}

// Reason maps codec errors to the short labels used in logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrWrongKind):
		return "wrong_kind"
	case errors.Is(err, ErrPurposeMismatch):
		return "purpose_mismatch"
	default:
		return "malformed"
	}
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
