package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User is the local identity extracted from the access token. It is the
// id every outbound frame carries and the id inbound signaling is
// filtered against.
type User struct {
	ID       int64
	Username string
}

// UserClaims represents the claims the backend puts in access tokens
type UserClaims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// SessionExpiredError indicates the access token is no longer valid and
// the user must re-authenticate.
type SessionExpiredError struct {
	Reason string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session expired: %s", e.Reason)
}

// FromToken extracts the local user from an access token. The token is
// signed and verified by the backend; the client only reads the claims,
// so the signature is not checked here.
func FromToken(tokenString string) (User, error) {
	if tokenString == "" {
		return User{}, fmt.Errorf("access token is empty")
	}

	parser := jwt.NewParser()
	claims := &UserClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return User{}, fmt.Errorf("malformed access token: %w", err)
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return User{}, &SessionExpiredError{Reason: "token expired"}
	}

	if claims.UserID == 0 {
		return User{}, fmt.Errorf("access token has no user_id claim")
	}

	return User{
		ID:       claims.UserID,
		Username: claims.Username,
	}, nil
}
