package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// GoogleTokenURL is the default OAuth token endpoint.
const GoogleTokenURL = "https://oauth2.googleapis.com/token"

// OAuthRefresher performs the refresh_token grant against a token endpoint.
type OAuthRefresher struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	http *resty.Client
	now  func() time.Time
}

func NewOAuthRefresher(tokenURL, clientID, clientSecret string) *OAuthRefresher {
	if tokenURL == "" {
		tokenURL = GoogleTokenURL
	}
	return &OAuthRefresher{
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		http:         resty.New().SetTimeout(30 * time.Second),
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Error        string `json:"error,omitempty"`
	Description  string `json:"error_description,omitempty"`
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	form := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     r.ClientID,
	}
	if r.ClientSecret != "" {
		form["client_secret"] = r.ClientSecret
	}

	resp, err := r.http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(r.TokenURL)
	if err != nil {
		return Token{}, fmt.Errorf("token request: %w", err)
	}

	var body tokenResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil && resp.IsSuccess() {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if resp.IsError() {
		msg := strings.TrimSpace(body.Description)
		if msg == "" {
			msg = body.Error
		}
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return Token{}, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode(), msg)
	}
	if body.AccessToken == "" {
		return Token{}, fmt.Errorf("token response missing access_token")
	}

	tok := Token{AccessToken: body.AccessToken, RefreshToken: body.RefreshToken}
	if body.ExpiresIn > 0 {
		tok.ExpiresAt = r.now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	return tok, nil
}
