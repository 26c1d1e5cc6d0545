package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Credentials is the body of POST /auth/login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResult is what the CRUD API returns from login and refresh. User is
// kept opaque and passed through to the browser.
type AuthResult struct {
	Token string          `json:"token"`
	User  json.RawMessage `json:"user"`
}

func (a *API) Login(ctx context.Context, creds Credentials) (*AuthResult, error) {
	return a.auth(ctx, "POST /auth/login", "login", creds)
}

// Refresh exchanges the token carried by ctx (see WithToken) for a new one.
func (a *API) Refresh(ctx context.Context) (*AuthResult, error) {
	return a.auth(ctx, "POST /auth/refresh", "refresh", struct{}{})
}

func (a *API) auth(ctx context.Context, label, action string, body interface{}) (*AuthResult, error) {
	raw, err := a.crud.do(ctx, label, http.MethodPost, a.crud.endpoint(nil, "auth", action), body)
	if err != nil {
		return nil, err
	}
	var out AuthResult
	if err := decodeDocument(label, raw, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("%s: %w: no token in response", label, ErrUnexpectedShape)
	}
	return &out, nil
}
