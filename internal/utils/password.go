package utils

import "golang.org/x/crypto/bcrypt"

// HashVerifierKey returns the bcrypt hash of a scanner key, for seeding
// VERIFIER_KEY_HASH.
func HashVerifierKey(plain string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckVerifierKey safely compares a bcrypt hash and a presented key.
func CheckVerifierKey(hash, plain string) bool {
	if hash == "" || plain == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
