package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid     = errors.New("token invalid")
	ErrTokenExpired     = errors.New("token expired")
	ErrIdentityMismatch = errors.New("token subject does not match claimed identity")
)

// TokenVerifier is the pass/fail contract of the handshake. Token issuance
// lives elsewhere; the gateway only verifies.
type TokenVerifier interface {
	Verify(token string) (identity string, err error)
}

// JWTVerifier verifies HMAC-signed bearer tokens and returns the subject.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return "", ErrTokenInvalid
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrTokenInvalid)
	}
	return sub, nil
}

// CheckSign validates the HMAC signature on admin push requests.
func CheckSign(secret, data, timestamp, sig string) bool {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data + timestamp))
	want := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}
