package utils // package utils provides helpers for secrets, digests and session tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SecretBytes is the entropy of a checkpoint token: 32 bytes, 256 bits,
// hex encoded to 64 characters so it fits comfortably in a QR code.
const SecretBytes = 32

// NewCheckpointSecret returns a fresh raw checkpoint secret.
func NewCheckpointSecret() (string, error) {
	return randomHex(SecretBytes)
}

// HashToken returns the hex SHA-256 digest of a raw secret.  Only this
// digest is ever stored, so a leaked table cannot be replayed at a gate.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// randomHex returns n bytes of crypto/rand data, hex encoded.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// SessionClaims is the subset of the identity service's JWT this service
// relies on.
type SessionClaims struct {
	UserID uint64
	Role   string
}

// Session roles.
const (
	RoleParticipant = "PARTICIPANT"
	RoleVerifier    = "VERIFIER"
	RoleAdmin       = "ADMIN"
)

// NewSessionToken signs an HS256 session JWT the way the identity service
// does.  Production sessions are minted elsewhere; this is used by the
// devtoken command and by tests.
func NewSessionToken(secret string, userID uint64, role string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  strconv.FormatUint(userID, 10),
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ErrInvalidSession wraps every session parse failure.
var ErrInvalidSession = errors.New("invalid session token")

// ParseSessionToken validates an HS256 session JWT and extracts its claims.
func ParseSessionToken(secret, raw string) (SessionClaims, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return SessionClaims{}, ErrInvalidSession
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return SessionClaims{}, ErrInvalidSession
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return SessionClaims{}, ErrInvalidSession
	}
	uid, err := strconv.ParseUint(sub, 10, 64)
	if err != nil || uid == 0 {
		return SessionClaims{}, ErrInvalidSession
	}
	role, _ := claims["role"].(string)
	return SessionClaims{UserID: uid, Role: role}, nil
}
