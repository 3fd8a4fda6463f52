package approval

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrMissingDraftID signals a token request without a draft binding.
	ErrMissingDraftID = errors.New("approval: draft id required")
)

const (
	// DefaultTTL is how long an issued token stays valid.
	DefaultTTL = 24 * time.Hour

	reasonMalformed        = "malformed token"
	reasonInvalidSignature = "invalid signature"
	reasonDecodeFailed     = "token decode failed"
	reasonExpired          = "token expired"

	signingKeyInfo = "outreachflow/approval-token/v1"
)

// Manager issues and verifies signed, time-bound approval tokens binding a
// send authorization to a specific draft.
type Manager struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewManager creates a token manager. An empty secret falls back to a random
// per-process key: issued tokens stop verifying after a restart, which is
// acceptable in development only, so the fallback is logged loudly.
func NewManager(secret string, ttl time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var material []byte
	if secret == "" {
		material = make([]byte, 32)
		if _, err := rand.Read(material); err != nil {
			panic(fmt.Sprintf("approval: generate fallback secret: %v", err))
		}
		logger.Warn("no approval token secret configured, using a random per-process key; tokens will not survive a restart and this must never happen in production")
	} else {
		material = []byte(secret)
	}

	return &Manager{
		signingKey: deriveSigningKey(material),
		ttl:        ttl,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock overrides the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

type claims struct {
	DraftID        string `json:"draft_id"`
	CompanyID      string `json:"company_id"`
	TrackingID     string `json:"tracking_id"`
	CandidateCount int    `json:"candidate_count"`
	Mode           Mode   `json:"mode"`
	jwt.RegisteredClaims
}

// Issue signs a new approval token for the given draft.
func (m *Manager) Issue(draftID, companyID, trackingID string, candidateCount int, mode Mode) (string, error) {
	if draftID == "" {
		return "", ErrMissingDraftID
	}
	if mode == "" {
		mode = ModeManual
	}

	now := m.now()
	c := claims{
		DraftID:        draftID,
		CompanyID:      companyID,
		TrackingID:     trackingID,
		CandidateCount: candidateCount,
		Mode:           mode,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("approval: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of a token. Signature verification is
// constant-time inside the JWT library; a mismatch yields a generic reason that
// never reveals where the comparison diverged. An expired but authentic token
// returns Expired=true with the decoded payload for audit purposes.
func (m *Manager) Verify(tokenString string) Verification {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithValidMethods([]string{"HS256"}))

	switch {
	case err == nil:
		return Verification{Valid: true, Payload: payloadFromClaims(&c)}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Verification{Reason: reasonInvalidSignature}
	case errors.Is(err, jwt.ErrTokenExpired):
		// Signature already checked out; only the lifetime is spent.
		return Verification{Expired: true, Payload: payloadFromClaims(&c), Reason: reasonExpired}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return Verification{Reason: reasonMalformed}
	default:
		return Verification{Reason: reasonDecodeFailed}
	}
}

// Fingerprint returns a short one-way digest of a token suitable for logs and
// job records. Tokens are never persisted in full so stored approvals cannot be
// replayed into valid credentials.
func Fingerprint(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])[:16]
}

func payloadFromClaims(c *claims) *Payload {
	p := &Payload{
		DraftID:        c.DraftID,
		CompanyID:      c.CompanyID,
		TrackingID:     c.TrackingID,
		CandidateCount: c.CandidateCount,
		Mode:           c.Mode,
	}
	if c.IssuedAt != nil {
		p.CreatedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

func deriveSigningKey(material []byte) []byte {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, material, nil, []byte(signingKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		panic(fmt.Sprintf("approval: derive signing key: %v", err))
	}
	return key
}
