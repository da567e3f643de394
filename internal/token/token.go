// Package token implements opaque bearer capability tokens.
//
// Escrow actions are authorized by possession of a token rather than a
// session identity: the depositor holds the release token, the beneficiary
// holds the beneficiary token. Tokens are shown exactly once, at escrow
// creation, and compared in constant time afterwards.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// Token is an opaque capability secret. It deliberately redacts itself
// when formatted so a stray log line can never leak it.
type Token string

// New generates a fresh token from 32 bytes of crypto/rand.
func New() Token {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return Token("tok_" + hex.EncodeToString(b))
}

// Equal compares two tokens in constant time. Empty tokens never match.
func (t Token) Equal(other Token) bool {
	if t == "" || other == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t), []byte(other)) == 1
}

// String implements fmt.Stringer and always redacts.
func (t Token) String() string {
	return "tok_[redacted]"
}

// Raw returns the underlying secret. Callers use this only to store the
// token or to hand it to the creating party.
func (t Token) Raw() string {
	return string(t)
}
