// Package mpesa provides a client for the Daraja (M-Pesa) payment gateway.
package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrProviderUnavailable is returned when the gateway cannot be reached or
// rejects the request at transport level. Callers may retry the payment.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

// Client encapsulates HTTP interaction with the Daraja STK push API.
type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortCode      string
	passkey        string
	callbackURL    string
	httpClient     *retryablehttp.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	now func() time.Time
}

// Config carries the Daraja credentials and endpoints.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
}

// NewClient creates a Daraja client for the given credentials.
func NewClient(cfg Config) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.HTTPClient.Timeout = 10 * time.Second
	hc.Logger = nil

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		shortCode:      cfg.ShortCode,
		passkey:        cfg.Passkey,
		callbackURL:    cfg.CallbackURL,
		httpClient:     hc,
		now:            time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	url := c.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrProviderUnavailable)
	}

	ttl := 3600
	if v, err := strconv.Atoi(tr.ExpiresIn); err == nil && v > 0 {
		ttl = v
	}

	c.accessToken = tr.AccessToken
	// Refresh one minute early to avoid using a token at the edge of expiry.
	c.tokenExpiry = c.now().Add(time.Duration(ttl-60) * time.Second)

	return c.accessToken, nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
}

// ChargedCents returns the amount the gateway is actually asked to collect
// for a total given in cents: whole shillings, rounded up.
func ChargedCents(cents int64) int64 {
	return (cents + 99) / 100 * 100
}

// STKPush asks the gateway to prompt the given phone for payment and returns
// the checkout request id correlating the eventual callback. Amount is given
// in cents and sent to the gateway as whole shillings, rounded up.
func (c *Client) STKPush(ctx context.Context, phone string, amountCents int64, accountRef, description string) (string, error) {
	token, err := c.token(ctx)
	if err != nil {
		return "", err
	}

	ts := c.now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(c.shortCode + c.passkey + ts))

	body, err := json.Marshal(stkPushRequest{
		BusinessShortCode: c.shortCode,
		Password:          password,
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            ChargedCents(amountCents) / 100,
		PartyA:            phone,
		PartyB:            c.shortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.callbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   description,
	})
	if err != nil {
		return "", fmt.Errorf("marshal stk push: %w", err)
	}

	url := c.baseURL + "/mpesa/stkpush/v1/processrequest"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", fmt.Errorf("create stk push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("%w: stk push status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stk push rejected: status %d", resp.StatusCode)
	}

	var sr stkPushResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode stk push response: %w", err)
	}
	if sr.ResponseCode != "0" {
		return "", fmt.Errorf("stk push rejected: code %s (%s)", sr.ResponseCode, sr.ResponseDescription)
	}
	if sr.CheckoutRequestID == "" {
		return "", fmt.Errorf("stk push response missing checkout request id")
	}

	return sr.CheckoutRequestID, nil
}
