package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"solapay/internal/config"
)

// SignatureHeader carries the HMAC of the request body so merchants can
// check a callback came from us.
const SignatureHeader = "X-Solapay-Signature"

type Sender struct {
	client *http.Client
	secret []byte
	logger *slog.Logger
}

func NewSender(cfg config.CallbackSender, logger *slog.Logger) *Sender {
	return &Sender{
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		secret: []byte(cfg.SigningSecret),
		logger: logger,
	}
}

// Sign returns the SignatureHeader value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send posts payload to url. Any response status of 400 or above is an error.
func (s *Sender) Send(ctx context.Context, url, payload string) error {
	s.logger.DebugContext(ctx, "Sending callback", "url", url)

	body := []byte(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create callback request")
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send callback")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return errors.Wrap(err, "read callback response")
	}

	if resp.StatusCode >= 400 {
		s.logger.WarnContext(ctx, "Merchant rejected callback", "url", url, "status", resp.StatusCode, "body", string(respBody))
		return errors.Errorf("error response: %s", resp.Status)
	}

	s.logger.InfoContext(ctx, "Delivered callback", "url", url, "status", resp.StatusCode)
	return nil
}
