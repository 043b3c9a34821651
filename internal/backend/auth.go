package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/ashureev/chatrelay/internal/domain"
)

const minPasswordLength = 8

// AuthResponse is returned by every call that establishes a session.
type AuthResponse struct {
	Access  string      `json:"access"`
	Refresh string      `json:"refresh"`
	User    domain.User `json:"user"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Login exchanges credentials for a session and stores its tokens.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", domain.ErrValidation)
	}
	return c.authenticate(ctx, "/api/auth/login/", map[string]string{
		"email":    strings.TrimSpace(email),
		"password": password,
	})
}

// Register creates an account and stores the session tokens.
func (c *Client) Register(ctx context.Context, email, firstName, lastName, password string) (*AuthResponse, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if strings.TrimSpace(firstName) == "" {
		return nil, fmt.Errorf("%w: first name is required", domain.ErrValidation)
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	return c.authenticate(ctx, "/api/auth/registration/", map[string]string{
		"email":      strings.TrimSpace(email),
		"first_name": strings.TrimSpace(firstName),
		"last_name":  strings.TrimSpace(lastName),
		"password1":  password,
		"password2":  password,
	})
}

// GoogleLogin completes the OAuth flow with an authorization code.
func (c *Client) GoogleLogin(ctx context.Context, code string) (*AuthResponse, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: authorization code is required", domain.ErrValidation)
	}
	return c.authenticate(ctx, "/api/auth/google/", map[string]string{"code": code})
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp, false); err != nil {
		return nil, err
	}
	if resp.Access == "" {
		return nil, fmt.Errorf("%s: %w: response carried no access token", path, domain.ErrUnauthenticated)
	}
	c.tokens.SetTokens(resp.Access, resp.Refresh)
	return &resp, nil
}

// Logout revokes the refresh token when one is held. Local tokens are
// cleared even when the request fails.
func (c *Client) Logout(ctx context.Context) error {
	defer c.tokens.Clear()

	_, refresh := c.tokens.Tokens()
	if refresh == "" {
		return nil
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/logout/", map[string]string{"refresh": refresh}, nil, false); err != nil {
		slog.Warn("Logout request failed, tokens cleared locally", "error", err)
		return err
	}
	return nil
}

// CurrentUser returns the profile of the signed-in user.
func (c *Client) CurrentUser(ctx context.Context) (*domain.User, error) {
	var user domain.User
	if err := c.do(ctx, http.MethodGet, "/api/auth/user/", nil, &user, true); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateProfile changes the user's name.
func (c *Client) UpdateProfile(ctx context.Context, firstName, lastName string) (*domain.User, error) {
	if strings.TrimSpace(firstName) == "" {
		return nil, fmt.Errorf("%w: first name is required", domain.ErrValidation)
	}
	var user domain.User
	body := map[string]string{
		"first_name": strings.TrimSpace(firstName),
		"last_name":  strings.TrimSpace(lastName),
	}
	if err := c.do(ctx, http.MethodPatch, "/api/auth/update-profile/", body, &user, true); err != nil {
		return nil, err
	}
	return &user, nil
}

// ChangePassword replaces an existing password.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) (string, error) {
	if oldPassword == "" {
		return "", fmt.Errorf("%w: current password is required", domain.ErrValidation)
	}
	if err := validatePassword(newPassword); err != nil {
		return "", err
	}
	if oldPassword == newPassword {
		return "", fmt.Errorf("%w: new password must differ from the current one", domain.ErrValidation)
	}
	var resp messageResponse
	body := map[string]string{"old_password": oldPassword, "new_password": newPassword}
	if err := c.do(ctx, http.MethodPost, "/api/auth/change-password/", body, &resp, true); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// SetPassword sets a password on an account created through Google.
func (c *Client) SetPassword(ctx context.Context, newPassword string) (string, error) {
	if err := validatePassword(newPassword); err != nil {
		return "", err
	}
	var resp messageResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/set-password/", map[string]string{"new_password": newPassword}, &resp, true); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// UpdateEmail changes the account email, confirmed by the password.
func (c *Client) UpdateEmail(ctx context.Context, newEmail, password string) (*domain.User, error) {
	if err := validateEmail(newEmail); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", domain.ErrValidation)
	}
	var user domain.User
	body := map[string]string{"new_email": strings.TrimSpace(newEmail), "password": password}
	if err := c.do(ctx, http.MethodPatch, "/api/auth/update-email/", body, &user, true); err != nil {
		return nil, err
	}
	return &user, nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", domain.ErrValidation)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: invalid email %q", domain.ErrValidation, email)
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", domain.ErrValidation, minPasswordLength)
	}
	return nil
}
