package model

import "time"

// AccessToken is a single-use entry token bound to one team and one
// checkpoint.  Only the SHA-256 digest of the raw secret is stored; the raw
// value is handed to the team once at issue time and rendered as a QR code.
//
// Fields:
//  ID         – uuid primary key.
//  EntityID   – team that owns the token.
//  Checkpoint – gate name the token is valid for (e.g. entry_1).
//  TokenHash  – hex SHA-256 of the raw secret (unique).
//  IssuedAt   – creation timestamp.
//  ExpiresAt  – after this instant the token is rejected, used or not.
//  UsedAt     – set exactly once by the first successful redemption.
//  UsedBy     – verifier identity that redeemed the token.
//  RevokedAt  – set when a newer token for the same pair supersedes this one.
type AccessToken struct {
	ID         string     // access_tokens.id
	EntityID   uint64     // access_tokens.entity_id
	Checkpoint string     // access_tokens.checkpoint
	TokenHash  string     // access_tokens.token_hash
	IssuedAt   time.Time  // access_tokens.issued_at
	ExpiresAt  time.Time  // access_tokens.expires_at
	UsedAt     *time.Time // access_tokens.used_at (nullable)
	UsedBy     *string    // access_tokens.used_by (nullable)
	RevokedAt  *time.Time // access_tokens.revoked_at (nullable)
}

// Used reports whether the token has already been redeemed.
func (t AccessToken) Used() bool { return t.UsedAt != nil }

// ExpiredAt reports whether the token is no longer redeemable at now.
// Revoked tokens count as expired.
func (t AccessToken) ExpiredAt(now time.Time) bool {
	if t.RevokedAt != nil {
		return true
	}
	return now.After(t.ExpiresAt)
}
