// Package token implements the cached access token.
package token

import (
	"encoding/json"
	"time"
)

// Token holds an access token and the instant it stops being accepted
// by the issuer. A zero Token means no token was ever fetched.
type Token struct {
	Value    string    `json:"value"`
	Deadline time.Time `json:"deadline"`
}

// New creates a token valid for expiresIn from issuedAt.
func New(value string, issuedAt time.Time, expiresIn time.Duration) Token {
	return Token{
		Value:    value,
		Deadline: issuedAt.Add(expiresIn),
	}
}

// NewTokenFromJSON creates token from json.
func NewTokenFromJSON(buf []byte) (Token, error) {
	var t Token
	err := json.Unmarshal(buf, &t)
	if err != nil {
		return t, err
	}
	return t, nil
}

// ExportJSON exports token as json.
func (t Token) ExportJSON() ([]byte, error) {
	return json.Marshal(t)
}

// IsEmpty reports whether the token holds no value.
func (t Token) IsEmpty() bool {
	return t.Value == ""
}

// IsValid checks whether token can still be handed out at now.
//
// The token is considered stale softExpire before its deadline, so that
// it is renewed before the issuer starts refusing it.
//
// Example: consider expires_in = 60 seconds and softExpire = 30 seconds.
// The token hard expires after 60 seconds, but IsValid reports false
// from second 30 onwards.
func (t Token) IsValid(now time.Time, softExpire time.Duration) bool {
	if t.IsEmpty() {
		return false
	}
	return now.Before(t.Deadline.Add(-softExpire))
}

// Remain reports how long until the hard deadline.
func (t Token) Remain(now time.Time) time.Duration {
	return t.Deadline.Sub(now)
}

// Expire invalidates the token while keeping its value for inspection.
func (t *Token) Expire() {
	t.Deadline = expired
}

var expired = time.Time{}
