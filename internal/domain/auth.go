package domain

import "time"

// UserType is carried as a typed claim by the authentication endpoints.
type UserType string

const (
	UserPatient UserType = "PATIENT"
	UserHelper  UserType = "HELPER"
)

// User is the authenticated identity returned by /auth/verify-otp and /auth/me.
type User struct {
	ID       string   `json:"id"`
	Phone    string   `json:"phone"`
	Name     string   `json:"name,omitempty"`
	UserType UserType `json:"userType"`
}

// Session is the token pair held by the token store. RefreshToken is only
// kept client-side as a fallback when the refresh cookie cannot be relied on.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"-"`
}

// AuthResult is the data of a successful /auth/verify-otp.
type AuthResult struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	User         User   `json:"user"`
}
