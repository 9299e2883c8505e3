package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roomcast/roomcast/persistence"
	"github.com/roomcast/roomcast/types"
)

// ErrAuthFailure is deliberately generic: it never reveals whether the
// username or the password was wrong.
var ErrAuthFailure = errors.New("invalid username or password")

const (
	minPasswordLength = 6
	maxUsernameLength = 64
)

type Service struct {
	persister persistence.Persister
	verifier  CredentialVerifier
}

func NewService(persister persistence.Persister, verifier CredentialVerifier) *Service {
	return &Service{persister: persister, verifier: verifier}
}

// Register creates a new user. Duplicate usernames or emails surface as
// persistence.ErrDuplicateKey.
func (s *Service) Register(username, email, password, displayName string) (*types.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	displayName = strings.TrimSpace(displayName)
	if username == "" || len(username) > maxUsernameLength {
		return nil, fmt.Errorf("invalid username")
	}
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email address")
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	if displayName == "" {
		displayName = username
	}
	hash, err := s.verifier.Hash(password)
	if err != nil {
		return nil, err
	}
	user := &types.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
		Tags:         make(types.JSONStringMap),
	}
	if err := s.persister.CreateUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate verifies the credential and returns the user, or
// ErrAuthFailure for both unknown usernames and wrong passwords.
func (s *Service) Authenticate(username, password string) (*types.User, error) {
	user, err := s.persister.GetUserByName(strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrAuthFailure
		}
		return nil, err
	}
	if !s.verifier.Verify(user.PasswordHash, password) {
		return nil, ErrAuthFailure
	}
	return user, nil
}
