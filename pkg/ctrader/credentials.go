package ctrader

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/pkg/openapi"
	"github.com/cowanweks/ctrader-go/pkg/session"
)

// Credentials authorise the application and its trading accounts. They are
// read on every connection, so token and account changes apply on the next
// reconnect.
type Credentials struct {
	mu           sync.RWMutex
	clientID     string
	clientSecret string
	accessToken  string
	refreshToken string
	accounts     []int64
}

// NewCredentials builds a credential set.
func NewCredentials(clientID, clientSecret, accessToken, refreshToken string, accountIDs ...int64) *Credentials {
	return &Credentials{
		clientID:     clientID,
		clientSecret: clientSecret,
		accessToken:  accessToken,
		refreshToken: refreshToken,
		accounts:     slices.Clone(accountIDs),
	}
}

// AccessToken returns the current access token.
func (c *Credentials) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// RefreshToken returns the current refresh token.
func (c *Credentials) RefreshToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshToken
}

// SetAccessToken swaps the tokens. An empty refresh token keeps the old one.
func (c *Credentials) SetAccessToken(accessToken, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
	if refreshToken != "" {
		c.refreshToken = refreshToken
	}
}

// Accounts returns the accounts authorised on each connection.
func (c *Credentials) Accounts() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.accounts)
}

// AddAccount adds an account to the handshake. It reports false if already present.
func (c *Credentials) AddAccount(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.Contains(c.accounts, id) {
		return false
	}
	c.accounts = append(c.accounts, id)
	return true
}

// RemoveAccount drops an account from the handshake.
func (c *Credentials) RemoveAccount(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.Index(c.accounts, id)
	if i < 0 {
		return false
	}
	c.accounts = slices.Delete(c.accounts, i, i+1)
	return true
}

// AuthSteps returns application auth followed by one account auth per account.
func (c *Credentials) AuthSteps(context.Context) ([]session.AuthStep, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.clientID == "" || c.clientSecret == "" {
		return nil, errs.New("ctrader", errs.CodeInvalid, errs.WithMessage("client id and secret required"))
	}
	app := openapi.ApplicationAuthReq{ClientID: c.clientID, ClientSecret: c.clientSecret}
	steps := make([]session.AuthStep, 0, 1+len(c.accounts))
	steps = append(steps, session.AuthStep{
		Name:         "application",
		PayloadType:  app.PayloadType(),
		Payload:      app.Marshal(),
		ExpectedType: openapi.TypeApplicationAuthRes,
	})
	for _, id := range c.accounts {
		acc := openapi.AccountAuthReq{AccountID: id, AccessToken: c.accessToken}
		steps = append(steps, session.AuthStep{
			Name:         "account " + strconv.FormatInt(id, 10),
			PayloadType:  acc.PayloadType(),
			Payload:      acc.Marshal(),
			ExpectedType: openapi.TypeAccountAuthRes,
		})
	}
	return steps, nil
}

// HasAccount reports whether the account is part of the handshake.
func (c *Credentials) HasAccount(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.accounts, id)
}
