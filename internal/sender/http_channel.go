package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// HTTPChannel posts messages to the remote sending API.
type HTTPChannel struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *http.Client
	Logger  zerolog.Logger
}

type sendRequest struct {
	ID    int64  `json:"id"`
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

func NewHTTPChannel(baseURL, token string, timeout time.Duration, log zerolog.Logger) *HTTPChannel {
	return &HTTPChannel{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Timeout: timeout,
		Client:  &http.Client{},
		Logger:  log,
	}
}

func (c *HTTPChannel) Send(ctx context.Context, messageID int64, address, text string) Outcome {
	body, err := json.Marshal(sendRequest{ID: messageID, Phone: address, Text: text})
	if err != nil {
		return Rejected{Reason: fmt.Sprintf("encode request: %v", err)}
	}

	callCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	url := fmt.Sprintf("%s/send/%d", c.BaseURL, messageID)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Rejected{Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if isUnreachable(callCtx, err) {
			return Unreachable{Reason: err.Error()}
		}
		return Rejected{Reason: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.Logger.Debug().Int64("message_id", messageID).Int("status", resp.StatusCode).Msg("sender rejected message")
		return Rejected{Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
	return Delivered{}
}

// isUnreachable classifies transport failures that mean the service is down or too slow.
func isUnreachable(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

var _ Channel = (*HTTPChannel)(nil)
