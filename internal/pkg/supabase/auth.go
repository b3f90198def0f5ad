package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Auth returns an auth (GoTrue) client.
func (c *Client) Auth() *AuthClient {
	return &AuthClient{client: c}
}

// AuthClient handles session operations.
type AuthClient struct {
	client *Client
}

// Session is the token pair returned by GoTrue.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

// User represents a Supabase auth user.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Phone        string         `json:"phone"`
	Role         string         `json:"role"`
	CreatedAt    string         `json:"created_at"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// GetUser resolves the user owning an access token.
func (a *AuthClient) GetUser(ctx context.Context, accessToken string) (*User, error) {
	resp, err := a.client.sendAs(ctx, accessToken, http.MethodGet, a.client.baseURL+"/auth/v1/user", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}
	var user User
	if err := resp.JSON(&user); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &user, nil
}

// RefreshSession exchanges a refresh token for a new session.
func (a *AuthClient) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	body, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	resp, err := a.client.sendAs(ctx, a.client.apiKey, http.MethodPost,
		a.client.baseURL+"/auth/v1/token?grant_type=refresh_token", body, headers)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}
	var s Session
	if err := resp.JSON(&s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

// SignOut revokes the session behind an access token.
func (a *AuthClient) SignOut(ctx context.Context, accessToken string) error {
	resp, err := a.client.sendAs(ctx, accessToken, http.MethodPost, a.client.baseURL+"/auth/v1/logout", nil, nil)
	if err != nil {
		return err
	}
	return resp.Error()
}
