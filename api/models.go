package api

import "time"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LoginRequest is the JSON body for POST /session/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the JSON body for POST /session/register.
type RegisterRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// PasswordResetRequest is the JSON body for POST /session/password-reset.
type PasswordResetRequest struct {
	Email string `json:"email"`
}

// SessionResponse is returned when a session is established.
type SessionResponse struct {
	UID       string    `json:"uid"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
	Message   string    `json:"message"`
}

// MessageResponse carries a user-facing confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

// PublicKeyResponse is returned from GET /auth/public-key.
type PublicKeyResponse struct {
	PublicKey string `json:"publicKey"`
}
