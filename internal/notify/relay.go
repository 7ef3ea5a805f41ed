package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrRelayRateLimited is returned when the relay answers 429.
var ErrRelayRateLimited = errors.New("relay rate limited")

// Relay hands messages to an HTTP mail relay that accepts
// {"to","subject","message"} and delivers them as e-mail. When Secret is
// set the body is signed with HMAC-SHA256 in the X-Signature header.
type Relay struct {
	URL     string
	Secret  string
	Headers map[string]string
	Client  *http.Client
}

func NewRelay(url, secret string) *Relay {
	if url == "" {
		return nil
	}
	return &Relay{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type relayPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func (r *Relay) Send(ctx context.Context, to, subject, body string) (bool, error) {
	if r == nil || r.URL == "" {
		return false, errors.New("relay disabled")
	}
	if to == "" {
		return false, errors.New("relay: empty recipient")
	}
	payload, err := json.Marshal(relayPayload{To: to, Subject: subject, Message: body})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "uptimewatch-relay/1.0")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if r.Secret != "" {
		req.Header.Set("X-Signature", Sign(r.Secret, payload))
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return false, ErrRelayRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("relay non-2xx: %d", resp.StatusCode)
	}
	return true, nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
