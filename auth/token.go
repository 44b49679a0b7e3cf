package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"time"
)

// ResumeClaims binds a transfer session to the client identity it was
// announced to, so a reconnecting peer can prove it is the same client.
type ResumeClaims struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	jwt.RegisteredClaims
}

// GenerateResumeToken creates a signed token the client must present in a
// SessionResume control frame. Its lifetime matches the session TTL.
func GenerateResumeToken(key []byte, sessionID, clientID string, ttl time.Duration) (string, error) {
	claims := &ResumeClaims{
		SessionID: sessionID,
		ClientID:  clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "camlink",
		},
	}

	// HS256: the bridge is both issuer and verifier, no key distribution needed.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// ValidateResumeToken parses and validates the signature and expiration of
// a resume token.
func ValidateResumeToken(key []byte, tokenString string) (*ResumeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ResumeClaims{}, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*ResumeClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrSignatureInvalid
}
