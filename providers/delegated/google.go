package delegated

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailcore/compose"
	"mailcore/config"
	"mailcore/models"
	"mailcore/utils"
)

// Grant is the plaintext result of a successful code exchange
type Grant struct {
	Email        string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// Google is the Gmail delegated provider
type Google struct {
	oauth    *oauth2.Config
	endpoint string
}

// NewGoogle builds the provider from its OAuth client settings
func NewGoogle(cfg config.GoogleOAuthConfig) *Google {
	return &Google{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		endpoint: cfg.APIEndpoint,
	}
}

// Name is the provider value stored on delegated accounts
func (g *Google) Name() string {
	return models.ProviderGoogle
}

// AuthorizationURL returns the consent URL carrying state. Offline access
// and a forced consent prompt make Google return a refresh token.
func (g *Google) AuthorizationURL(state string) string {
	return g.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades an authorization code for tokens and looks up the
// mailbox address they belong to
func (g *Google) Exchange(ctx context.Context, code string) (*Grant, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		utils.Log.Warn("OAuth code exchange failed: %v", err)
		return nil, utils.CredentialValidationError("authorization code was rejected", err)
	}
	if tok.RefreshToken == "" {
		return nil, utils.CredentialValidationError("provider did not return a refresh token", nil)
	}

	svc, err := g.BuildClient(ctx, tok.AccessToken, tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		utils.Log.Warn("Gmail profile lookup failed: %v", err)
		return nil, utils.CredentialValidationError("failed to read mailbox profile", err)
	}

	return &Grant{
		Email:        profile.EmailAddress,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       grantedScopes(tok, g.oauth.Scopes),
	}, nil
}

func grantedScopes(tok *oauth2.Token, requested []string) []string {
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		return strings.Fields(s)
	}
	return requested
}

// Refresh exchanges a plaintext refresh token for a new access token.
// Only a revoked or unauthorized grant is terminal for the account; any
// other failure is an InternalServerError the caller may retry.
func (g *Google) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, utils.NoValidCredentialError("no refresh token stored", nil)
	}

	tok, err := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if !errors.As(err, &re) {
			return nil, utils.InternalServerError("access token refresh temporarily failed", err)
		}
		switch re.ErrorCode {
		case "invalid_grant":
			return nil, utils.TokenRefreshError("refresh token was revoked", err).WithContext("oauth_error", re.ErrorCode)
		case "unauthorized_client":
			return nil, utils.TokenRefreshError("client is no longer authorized for this grant", err).WithContext("oauth_error", re.ErrorCode)
		}
		return nil, utils.InternalServerError("access token refresh temporarily failed", err).WithContext("oauth_error", re.ErrorCode)
	}
	if tok.AccessToken == "" {
		return nil, utils.TokenRefreshError("provider returned an empty access token", nil)
	}
	return tok, nil
}

// BuildClient returns a Gmail client bound to a fixed access token. It
// never refreshes; that is the token manager's job.
func (g *Google) BuildClient(ctx context.Context, accessToken, refreshToken string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	})

	opts := []option.ClientOption{option.WithTokenSource(src)}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, utils.InternalServerError("failed to build Gmail client", err)
	}
	return svc, nil
}

// Send submits msg through users.messages.send and returns the Gmail
// message id
func (g *Google) Send(ctx context.Context, svc *gmail.Service, msg *compose.Message) (string, error) {
	raw, err := msg.Bytes()
	if err != nil {
		return "", utils.SendError("failed to compose message", err)
	}

	sent, err := svc.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.RawURLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		appErr := utils.SendError(fmt.Sprintf("Gmail rejected the message: %v", apiMessage(err)), err)
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			appErr.WithContext("status", gerr.Code)
		}
		utils.Log.Warn("Gmail send failed: %v", err)
		return "", appErr
	}

	utils.Log.Info("Message %s sent via Gmail as %s", msg.MessageID, sent.Id)
	return sent.Id, nil
}

func apiMessage(err error) string {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Message != "" {
		return gerr.Message
	}
	return err.Error()
}
