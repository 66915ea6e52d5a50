package zenmoney

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "client-id", "client-secret", "http://localhost:8085/callback",
		WithHTTPClient(srv.Client()),
		WithClock(func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }))
}

func TestExchangeCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tokenPath {
			t.Errorf("path = %s, want %s", r.URL.Path, tokenPath)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %s", got)
		}
		if got := r.PostForm.Get("code"); got != "the-code" {
			t.Errorf("code = %s", got)
		}
		if got := r.PostForm.Get("client_secret"); got != "client-secret" {
			t.Errorf("client_secret = %s", got)
		}
		if got := r.PostForm.Get("redirect_uri"); got != "http://localhost:8085/callback" {
			t.Errorf("redirect_uri = %s", got)
		}
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			TokenType:    "bearer",
			ExpiresIn:    3600,
		})
	})

	token, err := client.ExchangeCode(context.Background(), "the-code")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if token.AccessToken != "access-1" || token.RefreshToken != "refresh-1" {
		t.Errorf("unexpected token %+v", token)
	}
	if token.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", token.ExpiresIn)
	}
}

func TestExchangeCode_ProviderErrorBodyPreserved(t *testing.T) {
	const providerBody = `{"error":"invalid_grant","error_description":"code already used"}`
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(providerBody))
	})

	_, err := client.ExchangeCode(context.Background(), "stale-code")
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProviderError", err)
	}
	if perr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", perr.StatusCode)
	}
	if string(perr.Body) != providerBody {
		t.Errorf("body = %q, want provider body verbatim", perr.Body)
	}
}

func TestRefreshToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %s", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %s", got)
		}
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "access-2", RefreshToken: "refresh-2"})
	})

	token, err := client.RefreshToken(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if token.AccessToken != "access-2" {
		t.Errorf("access token = %s", token.AccessToken)
	}
}

func TestDiff(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != diffPath {
			t.Errorf("path = %s, want %s", r.URL.Path, diffPath)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			t.Errorf("authorization = %s", got)
		}
		var req diffRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ServerTimestamp != 1000 {
			t.Errorf("serverTimestamp = %d, want 1000", req.ServerTimestamp)
		}
		if req.CurrentClientTimestamp == 0 {
			t.Error("currentClientTimestamp should be set")
		}
		json.NewEncoder(w).Encode(DiffResponse{
			ServerTimestamp: 2000,
			Transactions: []DiffTransaction{
				{ID: "tx-1", Outcome: 12.5, OutcomeAccount: "acc-1", Date: "2026-07-30"},
			},
			Accounts: []DiffAccount{
				{ID: "acc-1", Title: "Checking", Balance: 500, Archive: false},
			},
		})
	})

	diff, err := client.Diff(context.Background(), "access-1", 1000)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if diff.ServerTimestamp != 2000 {
		t.Errorf("cursor = %d, want 2000", diff.ServerTimestamp)
	}
	if len(diff.Transactions) != 1 || diff.Transactions[0].ID != "tx-1" {
		t.Errorf("transactions = %+v", diff.Transactions)
	}
	if len(diff.Accounts) != 1 || diff.Accounts[0].Title != "Checking" {
		t.Errorf("accounts = %+v", diff.Accounts)
	}
}

func TestDiff_RejectsBackwardsCursor(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(DiffResponse{ServerTimestamp: 500})
	})

	_, err := client.Diff(context.Background(), "access-1", 1000)
	if err == nil {
		t.Fatal("want error when provider cursor moves backwards")
	}
}

func TestDiff_UpstreamError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("token expired"))
	})

	_, err := client.Diff(context.Background(), "stale", 0)
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProviderError", err)
	}
	if perr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", perr.StatusCode)
	}
}

func TestAuthCodeURL(t *testing.T) {
	c := NewClient("https://api.zenmoney.ru", "cid", "secret", "http://localhost:8085/callback")
	u := c.AuthCodeURL()
	for _, want := range []string{"response_type=code", "client_id=cid", "redirect_uri="} {
		if !strings.Contains(u, want) {
			t.Errorf("AuthCodeURL() = %s, missing %s", u, want)
		}
	}
}
