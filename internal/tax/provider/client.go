package provider

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Credentials locate and authenticate one external provider deployment.
type Credentials struct {
	Endpoint string
	APIKey   string
}

// CredentialsSource supplies provider credentials; configuration ownership
// stays with the host application.
type CredentialsSource interface {
	Get(ctx context.Context, providerName string) (Credentials, error)
}

// StaticCredentials is a CredentialsSource returning fixed values.
type StaticCredentials Credentials

// Get implements CredentialsSource.
func (s StaticCredentials) Get(context.Context, string) (Credentials, error) {
	return Credentials(s), nil
}

const maxResponseBytes = 1 << 20

var _ Sender = (*Client)(nil)

// Client calls the remote tax service over HTTP+JSON. Every failure mode
// (resolve, connect, timeout, non-2xx, malformed body) is converted into a
// failed Response; Send never panics and never returns a transport error to
// the caller. There is no automatic retry: a timeout is treated like any
// other provider error.
type Client struct {
	name    string
	creds   CredentialsSource
	http    *http.Client
	timeout time.Duration
}

// NewClient builds a Client for the named provider. timeout bounds each
// remote call; zero means 10 seconds.
func NewClient(name string, creds CredentialsSource, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{name: name, creds: creds, http: httpClient, timeout: timeout}
}

// Send implements Sender.
func (c *Client) Send(ctx context.Context, req Request) Response {
	resp, err := c.send(ctx, req)
	if err != nil {
		zctx.From(ctx).Warn("tax provider call failed",
			zap.String("provider", c.name),
			zap.String("document", req.DocumentToken),
			zap.Error(err))
		return Failure(err)
	}
	return resp
}

func (c *Client) send(ctx context.Context, req Request) (Response, error) {
	creds, err := c.creds.Get(ctx, c.name)
	if err != nil {
		return Response{}, errors.Wrap(err, "credentials")
	}
	if creds.Endpoint == "" {
		return Response{}, errors.New("no endpoint configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.Endpoint, bytes.NewReader(req.MarshalPayload()))
	if err != nil {
		return Response{}, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if creds.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+creds.APIKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, errors.Wrap(err, "do request")
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, errors.Wrap(err, "read body")
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return Response{}, errors.Errorf("unexpected status %d", httpResp.StatusCode)
	}

	parsed, err := ParseResponse(body)
	if err != nil {
		return Response{}, err
	}
	return parsed, nil
}
