// Package telegram verifies Telegram login-widget payloads. This is the
// authentication boundary: a verified payload yields the user identity
// that sessions and all stored entities are keyed by. Stateless, one
// request/response cycle per login.
package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"zenbudget/internal/core"
)

// maxAuthAge bounds how old a login payload may be. The widget signs
// auth_date, so replaying an intercepted payload only works inside this
// window.
const maxAuthAge = 24 * time.Hour

var (
	ErrBadSignature = errors.New("telegram: signature mismatch")
	ErrStalePayload = errors.New("telegram: auth_date too old")
	ErrMissingField = errors.New("telegram: missing required field")
)

// LoginData is the payload the Telegram login widget posts back.
type LoginData struct {
	ID        core.UserID
	FirstName string
	LastName  string
	Username  string
	PhotoURL  string
	AuthDate  time.Time
}

// Verify checks the widget payload's HMAC against the bot token and
// returns the authenticated user. The data-check string is every field
// except hash, sorted, joined with newlines; the key is SHA256(botToken).
func Verify(values url.Values, botToken string, now time.Time) (*LoginData, error) {
	gotHash := values.Get("hash")
	if gotHash == "" {
		return nil, fmt.Errorf("%w: hash", ErrMissingField)
	}
	idRaw := values.Get("id")
	if idRaw == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingField)
	}
	authDateRaw := values.Get("auth_date")
	if authDateRaw == "" {
		return nil, fmt.Errorf("%w: auth_date", ErrMissingField)
	}

	var pairs []string
	for key := range values {
		if key == "hash" {
			continue
		}
		pairs = append(pairs, key+"="+values.Get(key))
	}
	sort.Strings(pairs)
	checkString := strings.Join(pairs, "\n")

	secret := sha256.Sum256([]byte(botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(checkString))
	wantHash := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(wantHash), []byte(gotHash)) {
		return nil, ErrBadSignature
	}

	authUnix, err := strconv.ParseInt(authDateRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: parse auth_date: %w", err)
	}
	authDate := time.Unix(authUnix, 0)
	if now.Sub(authDate) > maxAuthAge {
		return nil, ErrStalePayload
	}

	id, err := strconv.ParseInt(idRaw, 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("telegram: parse id: %w", err)
	}

	return &LoginData{
		ID:        core.UserID(id),
		FirstName: values.Get("first_name"),
		LastName:  values.Get("last_name"),
		Username:  values.Get("username"),
		PhotoURL:  values.Get("photo_url"),
		AuthDate:  authDate,
	}, nil
}
