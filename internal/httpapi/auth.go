package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the required aud claim of every bearer token.
const Audience = "relayfeed"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// IssueToken signs an HS256 bearer token for userID.
func IssueToken(secret, userID string, ttl time.Duration, now time.Time) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authorizeBearer validates the Authorization header and returns the
// authenticated user id.
func authorizeBearer(authHeader, jwtSecret string, now time.Time) (string, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", &authError{status: 401, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "", &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "", &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	default:
		return "", &authError{status: 401, code: "unauthorized", message: "invalid bearer token"}
	}
	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return "", &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	return userID, nil
}

// SignInternal returns the hex signature expected by verifyInternalHMAC.
func SignInternal(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing internal auth headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid internal timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "internal request outside replay window"}
	}

	expectedHex := SignInternal(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "internal signature mismatch"}
	}
	return nil
}
