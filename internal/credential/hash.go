package credential

import "golang.org/x/crypto/bcrypt"

// HashSecret produces the salted digest stored as Credential.SecretHash.
// bcrypt embeds its own salt, matching spec.md §3's "salted,
// constant-time-comparable digest" without a separate salt column;
// grounded on catherinevee-driftmgr's internal/security/auth/password.go,
// the only password-hashing precedent in the corpus.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Matches reports whether secret matches hash. bcrypt.CompareHashAndPassword
// runs in time independent of where a mismatch occurs, satisfying spec.md
// §4.4 step 2's constant-time comparison requirement.
func Matches(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
