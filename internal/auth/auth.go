// Package auth implements the server's credential store and the USER/PASS
// validation rules applied before a control connection is promoted to an
// authenticated session.
package auth

import "strings"

// MaxUsernameLength is the maximum accepted length of a username or password.
const MaxUsernameLength = 64

// Kind classifies why a credential check failed.
type Kind int

const (
	// KindInvalidFormat means the input failed basic sanitation (empty,
	// too long, contains CR/LF/NUL).
	KindInvalidFormat Kind = iota
	// KindInvalidUsername means the username contains disallowed
	// characters or starts with a digit.
	KindInvalidUsername
	// KindUserNotFound means no such user exists in the credential store.
	KindUserNotFound
	// KindBadPassword means the username exists but the password doesn't match.
	KindBadPassword
)

// Error reports why USER or PASS was rejected.
type Error struct {
	Kind     Kind
	Username string
	msg      string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, username, msg string) *Error {
	return &Error{Kind: kind, Username: username, msg: msg}
}

// Store is a credential store. The zero value is not usable; use NewStore
// or NewDefaultStore.
type Store struct {
	credentials map[string]string
}

// NewStore builds a credential store from the given username/password pairs.
func NewStore(credentials map[string]string) *Store {
	cp := make(map[string]string, len(credentials))
	for u, p := range credentials {
		cp[u] = p
	}
	return &Store{credentials: cp}
}

// NewDefaultStore returns the server's built-in static credential table.
// In production this would be backed by a real identity provider.
func NewDefaultStore() *Store {
	return NewStore(map[string]string{
		"alice": "alice123",
		"bob":   "bob123",
		"admin": "admin123",
	})
}

func isValidInput(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || len(s) > MaxUsernameLength {
		return false
	}
	return !strings.ContainsAny(s, "\r\n\x00")
}

// ValidateUsername checks that username is well-formed and present in the
// store. Format checks run first, so a malformed username is reported as
// KindInvalidUsername or KindInvalidFormat without a store lookup; a
// well-formed unknown name is reported as KindUserNotFound.
func (s *Store) ValidateUsername(username string) error {
	if strings.ContainsAny(username, "@#$%") || startsWithDigit(username) {
		return newError(KindInvalidUsername, username, "invalid username format")
	}
	if !isValidInput(username) {
		return newError(KindInvalidFormat, username, "invalid username format")
	}
	if _, ok := s.credentials[username]; !ok {
		return newError(KindUserNotFound, username, "user not found")
	}
	return nil
}

// ValidatePassword checks password against the stored password for username.
func (s *Store) ValidatePassword(username, password string) error {
	if !isValidInput(password) {
		return newError(KindInvalidFormat, username, "invalid password format")
	}
	stored, ok := s.credentials[username]
	if !ok {
		return newError(KindUserNotFound, username, "user not found")
	}
	if stored != password {
		return newError(KindBadPassword, username, "invalid password")
	}
	return nil
}

func startsWithDigit(s string) bool {
	if s == "" {
		return false
	}
	return s[0] >= '0' && s[0] <= '9'
}
