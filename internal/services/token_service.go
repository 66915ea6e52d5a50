package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zenbudget/internal/core"
)

// defaultTokenLifetime is used when the provider sends no expires_in:
// absence of an expiry means "effectively non-expiring", not an error.
const defaultTokenLifetime = 365 * 24 * time.Hour

// TokenStore is the slice of the repository the token service needs.
type TokenStore interface {
	ConnectionStore
	SyncStateStore
}

// ConnectRequest carries either an authorization code or an
// already-obtained token pair. Exactly one of the two paths is used.
type ConnectRequest struct {
	Code         string `json:"code"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenService handles the OAuth handoff with ZenMoney and persists the
// resulting Connection.
type TokenService struct {
	store    TokenStore
	provider TokenProvider
	sessions SessionVerifier
	now      func() time.Time
}

func NewTokenService(store TokenStore, provider TokenProvider, sessions SessionVerifier) *TokenService {
	return &TokenService{
		store:    store,
		provider: provider,
		sessions: sessions,
		now:      time.Now,
	}
}

// Connect resolves the session, obtains a token pair (exchanging the code
// when one is supplied), and upserts the Connection. The session check
// happens before any external call. As a side effect the user's SyncState
// is created with a zero cursor so the first sync has a valid baseline.
func (s *TokenService) Connect(ctx context.Context, sessionToken string, req ConnectRequest) (*core.Connection, error) {
	userID, err := s.sessions.Verify(sessionToken)
	if err != nil {
		return nil, core.ErrUnauthorized
	}

	var conn core.Connection
	switch {
	case req.Code != "":
		token, err := s.provider.ExchangeCode(ctx, req.Code)
		if err != nil {
			// Provider errors pass through untouched; the raw diagnostic
			// is the useful part.
			return nil, err
		}
		conn = core.Connection{
			UserID:       userID,
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			TokenType:    token.TokenType,
			ExpiresAt:    s.expiry(token.ExpiresIn),
		}
	case req.AccessToken != "":
		conn = core.Connection{
			UserID:       userID,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			TokenType:    req.TokenType,
			ExpiresAt:    s.expiry(req.ExpiresIn),
		}
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrBadRequest, core.ErrTokenMissing)
	}

	if conn.TokenType == "" {
		conn.TokenType = "bearer"
	}

	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("persist connection: %w", err)
	}

	if err := s.store.EnsureSyncState(ctx, userID); err != nil {
		return nil, fmt.Errorf("initialize sync state: %w", err)
	}

	slog.InfoContext(ctx, "ZenMoney connection established",
		"user_id", userID,
		"expires_at", conn.ExpiresAt)

	return &conn, nil
}

// FreshConnection returns the user's connection, refreshing the access
// token first when it has expired and a refresh token is on hand.
func (s *TokenService) FreshConnection(ctx context.Context, userID core.UserID) (*core.Connection, error) {
	conn, err := s.store.GetConnection(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !conn.Expired(s.now()) {
		return conn, nil
	}
	if conn.RefreshToken == "" {
		return nil, fmt.Errorf("connection expired and no refresh token available")
	}

	token, err := s.provider.RefreshToken(ctx, conn.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	refreshed := core.Connection{
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    s.expiry(token.ExpiresIn),
	}
	if refreshed.TokenType == "" {
		refreshed.TokenType = conn.TokenType
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = conn.RefreshToken
	}

	if err := s.store.UpsertConnection(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("persist refreshed connection: %w", err)
	}

	slog.InfoContext(ctx, "Access token refreshed", "user_id", userID)
	return &refreshed, nil
}

func (s *TokenService) expiry(expiresIn int64) time.Time {
	if expiresIn <= 0 {
		return s.now().Add(defaultTokenLifetime)
	}
	return s.now().Add(time.Duration(expiresIn) * time.Second)
}
