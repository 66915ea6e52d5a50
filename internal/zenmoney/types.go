package zenmoney

import "fmt"

// TokenResponse is the success payload of the OAuth token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	// ExpiresIn is seconds until expiry; 0 means the provider sent no
	// expiry and the token is treated as effectively non-expiring.
	ExpiresIn int64 `json:"expires_in"`
}

// ProviderError is a non-success response from ZenMoney. The raw body is
// preserved verbatim: callers pass it through to the user because the
// provider's own diagnostic is the only useful one.
type ProviderError struct {
	StatusCode int
	Body       []byte
}

func (e *ProviderError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("zenmoney: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("zenmoney: status %d", e.StatusCode)
}

// DiffResponse is the delta endpoint payload: a new cursor plus every
// record changed since the requested one.
type DiffResponse struct {
	ServerTimestamp int64             `json:"serverTimestamp"`
	Transactions    []DiffTransaction `json:"transaction"`
	Accounts        []DiffAccount     `json:"account"`
}

// DiffTransaction mirrors the provider's transaction record. Income and
// Outcome are amounts, not flags; a record with Income > 0 is an income,
// otherwise an expense.
type DiffTransaction struct {
	ID             string  `json:"id"`
	Income         float64 `json:"income"`
	Outcome        float64 `json:"outcome"`
	IncomeAccount  string  `json:"incomeAccount"`
	OutcomeAccount string  `json:"outcomeAccount"`
	Date           string  `json:"date"`
	Payee          string  `json:"payee"`
	Comment        string  `json:"comment"`
	Deleted        bool    `json:"deleted"`
}

// DiffAccount mirrors the provider's account record. Archive follows the
// provider's field name; locally it maps to the account's archived flag.
type DiffAccount struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Balance      float64 `json:"balance"`
	StartBalance float64 `json:"startBalance"`
	Archive      bool    `json:"archive"`
}

// diffRequest is the body sent to the delta endpoint.
type diffRequest struct {
	CurrentClientTimestamp int64 `json:"currentClientTimestamp"`
	ServerTimestamp        int64 `json:"serverTimestamp"`
}
