package utils

import "golang.org/x/crypto/bcrypt"

// MinPasswordLength is enforced at registration and seeding.
const MinPasswordLength = 8

// dummyHash is compared against when the account does not exist, so login
// takes the same time for unknown emails.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("queue-dispatch-dummy"), bcrypt.MinCost)

// HashPassword returns a bcrypt hash. Costs outside bcrypt's range fall back
// to the default.
func HashPassword(plain string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyPassword safely compares bcrypt hash and plain password. An empty
// hash is checked against a dummy and always fails.
func VerifyPassword(hash, plain string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(plain))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
