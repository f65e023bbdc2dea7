package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
)

// Headless login against the Fyers auth endpoints. Mirrors the four steps the
// web app performs: send OTP, verify TOTP, verify PIN, exchange auth code.
const (
	defaultLoginURL = "https://api-t2.fyers.in/vagator/v2"
	defaultTokenURL = "https://api-t1.fyers.in/api/v3"
)

// LoginCredentials holds everything needed for a non-interactive session.
type LoginCredentials struct {
	ClientID   string // e.g. XY12345-100
	PIN        string
	TOTPSecret string
	SecretKey  string
}

// LoginClient drives the headless token exchange.
type LoginClient struct {
	client   *http.Client
	logger   *logrus.Logger
	loginURL string
	tokenURL string
}

// NewLoginClient creates a login client with default endpoints.
func NewLoginClient(logger *logrus.Logger) *LoginClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &LoginClient{
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
		loginURL: defaultLoginURL,
		tokenURL: defaultTokenURL,
	}
}

type loginResponse struct {
	S          string `json:"s"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	RequestKey string `json:"request_key"`
	Data       struct {
		AuthorizationCode string `json:"authorization_code"`
	} `json:"data"`
	AuthorizationCode string `json:"authorization_code"`
	AccessToken       string `json:"access_token"`
}

func (r *loginResponse) ok() bool {
	return r.S == "ok" || r.Code == 200
}

// Login runs the full four-step exchange and returns an access token.
func (c *LoginClient) Login(ctx context.Context, creds LoginCredentials) (string, error) {
	fyID := creds.ClientID
	if i := strings.Index(fyID, "-"); i > 0 {
		fyID = fyID[:i]
	}

	requestKey, err := c.sendLoginOTP(ctx, fyID)
	if err != nil {
		return "", fmt.Errorf("send-login-otp: %w", err)
	}

	code, err := totp.GenerateCode(strings.ReplaceAll(creds.TOTPSecret, " ", ""), time.Now())
	if err != nil {
		return "", fmt.Errorf("generating TOTP: %w", err)
	}
	requestKey, err = c.verifyOTP(ctx, requestKey, code)
	if err != nil {
		return "", fmt.Errorf("verify-otp: %w", err)
	}

	authCode, err := c.verifyPIN(ctx, requestKey, creds.PIN)
	if err != nil {
		return "", fmt.Errorf("verify-pin: %w", err)
	}

	token, err := c.validateAuthCode(ctx, creds.ClientID, creds.SecretKey, authCode)
	if err != nil {
		return "", fmt.Errorf("validate-authcode: %w", err)
	}
	c.logger.Info("headless login complete")
	return token, nil
}

func (c *LoginClient) sendLoginOTP(ctx context.Context, fyID string) (string, error) {
	resp, err := c.post(ctx, c.loginURL+"/send-login-otp", map[string]string{
		"fy_id":  fyID,
		"app_id": fyID,
	})
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", fmt.Errorf("rejected: %s", resp.Message)
	}
	return resp.RequestKey, nil
}

func (c *LoginClient) verifyOTP(ctx context.Context, requestKey, otpCode string) (string, error) {
	resp, err := c.post(ctx, c.loginURL+"/verify-otp", map[string]string{
		"request_key": requestKey,
		"otp":         strings.TrimSpace(otpCode),
	})
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", fmt.Errorf("rejected: %s", resp.Message)
	}
	if resp.RequestKey != "" {
		return resp.RequestKey, nil
	}
	return requestKey, nil
}

func (c *LoginClient) verifyPIN(ctx context.Context, requestKey, pin string) (string, error) {
	resp, err := c.post(ctx, c.loginURL+"/verify-pin", map[string]string{
		"request_key":   requestKey,
		"identity_type": "pin",
		"identifier":    sha256Hex(strings.TrimSpace(pin)),
	})
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", fmt.Errorf("rejected: %s", resp.Message)
	}
	if resp.Data.AuthorizationCode != "" {
		return resp.Data.AuthorizationCode, nil
	}
	if resp.AuthorizationCode != "" {
		return resp.AuthorizationCode, nil
	}
	return "", fmt.Errorf("no authorization code in response")
}

func (c *LoginClient) validateAuthCode(ctx context.Context, clientID, secretKey, authCode string) (string, error) {
	resp, err := c.post(ctx, c.tokenURL+"/validate-authcode", map[string]string{
		"grant_type": "authorization_code",
		"appIdHash":  sha256Hex(clientID + ":" + secretKey),
		"code":       authCode,
	})
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", fmt.Errorf("rejected: %s", resp.Message)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("no access token in response")
	}
	return resp.AccessToken, nil
}

func (c *LoginClient) post(ctx context.Context, url string, payload map[string]string) (*loginResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &APIError{Status: httpResp.StatusCode, Body: string(data)}
	}
	var resp loginResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
