package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/message"
)

func init() {
	connector.RegisterDestination("HTTP Sender", newSender)
}

// sender posts encoded content to a URL. The HTTP status code maps onto
// the response status through the sentStatuses / queuedStatuses sets;
// anything unlisted is an error and drives the retry policy.
type sender struct {
	url         string
	method      string
	contentType string
	headers     map[string]string

	sentStatuses   map[int]bool
	queuedStatuses map[int]bool

	client *http.Client
}

func newSender(settings connector.Settings) (connector.Destination, error) {
	var url = settings.Properties.String("url", "")
	if url == "" {
		return nil, fmt.Errorf("HTTP sender requires a url")
	}
	var s = &sender{
		url:            url,
		method:         settings.Properties.String("method", http.MethodPost),
		contentType:    settings.Properties.String("contentType", "text/plain; charset=utf-8"),
		headers:        map[string]string{},
		sentStatuses:   parseStatusSet(settings.Properties.String("sentStatuses", "")),
		queuedStatuses: parseStatusSet(settings.Properties.String("queuedStatuses", "")),
		client: &http.Client{
			Timeout: settings.Properties.Duration("sendTimeout", 30*time.Second),
		},
	}
	if headers, ok := settings.Properties["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			s.headers[k] = fmt.Sprintf("%v", v)
		}
	}
	return s, nil
}

// parseStatusSet parses a comma-separated list of status codes.
func parseStatusSet(list string) map[int]bool {
	var out = map[int]bool{}
	for _, part := range strings.Split(list, ",") {
		if code, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out[code] = true
		}
	}
	return out
}

func (s *sender) Start(ctx context.Context) error { return nil }
func (s *sender) Stop(ctx context.Context) error  { return nil }

func (s *sender) Send(ctx context.Context, cm *message.ConnectorMessage, encoded string) (*message.Response, error) {
	req, err := http.NewRequestWithContext(ctx, s.method, s.url, strings.NewReader(encoded))
	if err != nil {
		return &message.Response{Status: message.Error, Error: err.Error()}, nil
	}
	req.Header.Set("Content-Type", s.contentType)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &message.Response{Status: message.Error, Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))

	var out = &message.Response{
		Message:       string(body),
		StatusCode:    resp.StatusCode,
		StatusMessage: resp.Status,
		Status:        s.statusFor(resp.StatusCode),
	}
	if out.Status == message.Error {
		out.Error = fmt.Sprintf("unexpected HTTP status %s", resp.Status)
	}
	return out, nil
}

func (s *sender) statusFor(code int) message.Status {
	switch {
	case s.sentStatuses[code]:
		return message.Sent
	case s.queuedStatuses[code]:
		return message.Queued
	case len(s.sentStatuses) == 0 && code >= 200 && code < 300:
		return message.Sent
	default:
		return message.Error
	}
}
