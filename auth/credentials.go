package auth

import "golang.org/x/crypto/bcrypt"

// CredentialVerifier is the seam to the external credential service. The
// persistence layer treats the hash as opaque; only implementations of this
// interface interpret it.
type CredentialVerifier interface {
	Hash(plain string) (string, error)
	Verify(hash, plain string) bool
}

type BcryptVerifier struct {
	Cost int
}

func NewBcryptVerifier(cost int) *BcryptVerifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptVerifier{Cost: cost}
}

func (v *BcryptVerifier) Hash(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), v.Cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (v *BcryptVerifier) Verify(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
