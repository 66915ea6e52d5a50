package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"zenbudget/internal/config"
	"zenbudget/internal/core"
	"zenbudget/internal/storage"
	"zenbudget/internal/zenmoney"
)

// zen-auth walks the ZenMoney OAuth dance locally: it prints the
// authorization URL, catches the redirect on localhost, exchanges the
// code and stores the resulting connection.
func main() {
	_ = godotenv.Load()

	userFlag := flag.Int64("user", 0, "telegram user id to store the connection for")
	flag.Parse()

	userID := *userFlag
	if userID == 0 {
		if v := os.Getenv("ZEN_AUTH_USER_ID"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				log.Fatalf("parse ZEN_AUTH_USER_ID: %v", err)
			}
			userID = parsed
		}
	}
	if userID == 0 {
		log.Fatalf("set -user or ZEN_AUTH_USER_ID")
	}

	cfg := config.Load()
	if cfg.ZenMoneyClientSecret == "" {
		log.Fatalf("set ZENMONEY_CLIENT_SECRET")
	}

	redirect, err := url.Parse(cfg.ZenMoneyRedirectURI)
	if err != nil {
		log.Fatalf("parse redirect URI: %v", err)
	}
	port := redirect.Port()
	if port == "" {
		port = "8085"
	}

	client := zenmoney.NewClient(
		cfg.ZenMoneyAPIBaseURL,
		cfg.ZenMoneyClientID,
		cfg.ZenMoneyClientSecret,
		cfg.ZenMoneyRedirectURI,
	)

	codeCh := make(chan string, 1)
	mux := http.NewServeMux()
	srv := &http.Server{Addr: ":" + port, Handler: mux}
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		if errStr := r.URL.Query().Get("error"); errStr != "" {
			http.Error(w, "OAuth error: "+errStr, http.StatusBadRequest)
			return
		}
		code := r.URL.Query().Get("code")
		fmt.Fprintln(w, "You may close this window and return to the terminal.")
		codeCh <- code
		go func() { time.Sleep(500 * time.Millisecond); _ = srv.Close() }()
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("redirect listener: %v", err)
		}
	}()

	fmt.Println("Open this URL in your browser and authorize the app:")
	fmt.Println()
	fmt.Println("  " + client.AuthCodeURL())
	fmt.Println()
	fmt.Printf("Waiting for the redirect on %s ...\n", cfg.ZenMoneyRedirectURI)

	code := <-codeCh
	if code == "" {
		log.Fatalf("redirect carried no authorization code")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := client.ExchangeCode(ctx, code)
	if err != nil {
		log.Fatalf("exchange code: %v", err)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		log.Fatalf("open repository: %v", err)
	}
	defer repo.Close()

	expiresAt := time.Now().Add(365 * 24 * time.Hour)
	if token.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}

	conn := core.Connection{
		UserID:       core.UserID(userID),
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    expiresAt,
	}
	if err := repo.UpsertConnection(ctx, conn); err != nil {
		log.Fatalf("store connection: %v", err)
	}
	if err := repo.EnsureSyncState(ctx, conn.UserID); err != nil {
		log.Fatalf("initialize sync state: %v", err)
	}

	fmt.Printf("Connection stored for user %d (token expires %s)\n",
		userID, expiresAt.Format(time.RFC3339))
}
