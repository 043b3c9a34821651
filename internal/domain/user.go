// Package domain contains core domain types for the chat relay and client.
package domain

import "strings"

// User is the profile returned by the auth backend.
type User struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	HasPassword  bool   `json:"has_password"`
	AuthProvider string `json:"auth_provider"`
}

// Name returns the display name, falling back to the email.
func (u *User) Name() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}
