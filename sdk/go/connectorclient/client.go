// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package connectorclient is a client for the connector gateway's
// HTTP API. A Client implements connector.Connector, so code written
// against a local connector works with a remote one.
package connectorclient

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	"github.com/sirupsen/logrus"
)

// Environment variables read by NewClientFromEnv.
const (
	EnvConnectorURL = "NETUNICORN_CONNECTOR_URL"
	EnvInsecure     = "NETUNICORN_CONNECTOR_INSECURE"
)

// Request headers carrying operation contexts.
const (
	HeaderAuthContext         = "netunicorn-auth-context"
	HeaderDeploymentContext   = "netunicorn-deployment-context"
	HeaderExecutionContext    = "netunicorn-execution-context"
	HeaderCancellationContext = "netunicorn-cancellation-context"
)

// DefaultRetries is the number of times an idempotent request is
// retried after a transient failure.
const DefaultRetries = 4

// A Client talks to one connector gateway. The zero value is not
// usable: at least Endpoint must be set. Exported fields must not be
// changed after the first call.
type Client struct {
	// Base URL, e.g., "https://connector.example:8443".
	Endpoint string
	APIKey   string
	// Accept any TLS certificate.
	Insecure bool
	// Timeout for each attempt. Zero means no timeout.
	Timeout time.Duration
	// Retries for idempotent requests (health, nodes,
	// cleanup). Zero means DefaultRetries; negative disables
	// retries.
	Retries int
	// Minimum and maximum wait between retries.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       logrus.FieldLogger

	setupOnce sync.Once
	rc        *retryablehttp.Client // retries idempotent requests
	rcOnce    *retryablehttp.Client // single attempt
}

// NewClientFromEnv returns a client using the endpoint and API key
// from the environment.
func NewClientFromEnv() *Client {
	insecure := false
	if s := strings.ToLower(os.Getenv(EnvInsecure)); s == "1" || s == "yes" || s == "true" {
		insecure = true
	}
	return &Client{
		Endpoint: os.Getenv(EnvConnectorURL),
		APIKey:   os.Getenv(unicorn.EnvAPIKey),
		Insecure: insecure,
	}
}

// TransactionError is returned when the gateway responds with an
// error status.
type TransactionError struct {
	Method     string
	URL        url.URL
	StatusCode int
	Status     string
	Errors     []string
}

func (e *TransactionError) Error() string {
	msg := fmt.Sprintf("request failed: %s %s: %s", e.Method, e.URL.String(), e.Status)
	if len(e.Errors) > 0 {
		msg += ": " + strings.Join(e.Errors, "; ")
	}
	return msg
}

// HTTPStatus returns the response status code.
func (e *TransactionError) HTTPStatus() int {
	return e.StatusCode
}

func newTransactionError(req *http.Request, resp *http.Response, body []byte) *TransactionError {
	var e TransactionError
	if json.Unmarshal(body, &e) != nil || len(e.Errors) == 0 {
		e.Errors = nil
		if s := strings.TrimSpace(string(body)); s != "" {
			e.Errors = []string{s}
		}
	}
	e.Method = req.Method
	e.URL = *req.URL
	e.StatusCode = resp.StatusCode
	e.Status = resp.Status
	return &e
}

// leveledLogger sends retryablehttp's log messages to a logrus
// logger.
type leveledLogger struct{ logrus.FieldLogger }

func (l leveledLogger) fields(kv []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.FieldLogger.WithFields(fields)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }

// checkRetry retries transport errors and gateway/proxy failures.
// Error responses from the connector itself (JSON bodies) are
// definitive.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"), nil
	}
	return false, nil
}

func (c *Client) setup() {
	logger := c.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	hc := &http.Client{Transport: transport, Timeout: c.Timeout}
	newClient := func(retries int) *retryablehttp.Client {
		rc := retryablehttp.NewClient()
		rc.HTTPClient = hc
		rc.Logger = leveledLogger{logger.WithField("Endpoint", c.Endpoint)}
		rc.CheckRetry = checkRetry
		rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
		rc.RetryMax = retries
		if c.RetryWaitMin > 0 {
			rc.RetryWaitMin = c.RetryWaitMin
		}
		if c.RetryWaitMax > 0 {
			rc.RetryWaitMax = c.RetryWaitMax
		}
		return rc
	}
	switch {
	case c.Retries < 0:
		c.rc = newClient(0)
	case c.Retries == 0:
		c.rc = newClient(DefaultRetries)
	default:
		c.rc = newClient(c.Retries)
	}
	c.rcOnce = newClient(0)
}

type call struct {
	method  string
	path    []string // path segments, escaped by request
	body    interface{}
	headers map[string]unicorn.OperationContext
	// Safe to repeat.
	idempotent bool
}

// request sends the call and returns the response body. Error
// statuses become *TransactionError.
func (c *Client) request(ctx context.Context, cl call) (*http.Response, []byte, error) {
	c.setupOnce.Do(c.setup)
	if c.Endpoint == "" {
		return nil, nil, errors.New("connectorclient: Endpoint is not set")
	}
	u := strings.TrimSuffix(c.Endpoint, "/")
	for _, seg := range cl.path {
		u += "/" + url.PathEscape(seg)
	}
	var body []byte
	switch b := cl.body.(type) {
	case nil:
	case json.RawMessage:
		body = b
	default:
		var err error
		body, err = json.Marshal(b)
		if err != nil {
			return nil, nil, fmt.Errorf("error encoding request body: %w", err)
		}
	}
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, cl.method, u, rawBody)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for hdr, oc := range cl.headers {
		if oc == nil {
			continue
		}
		buf, err := json.Marshal(oc)
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set(hdr, string(buf))
	}
	rc := c.rcOnce
	if cl.idempotent {
		rc = c.rc
	}
	resp, err := rc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return resp, respBody, newTransactionError(req.Request, resp, respBody)
	}
	return resp, respBody, nil
}

// Initialize sends the initialize call. params may be nil.
func (c *Client) Initialize(ctx context.Context, params json.RawMessage) error {
	cl := call{method: "POST", path: []string{"initialize"}}
	if len(params) > 0 {
		cl.body = params
	}
	_, _, err := c.request(ctx, cl)
	return err
}

// Health reports the connector's health status text. Failure to
// reach the connector is reported as unhealthy.
func (c *Client) Health(ctx context.Context) (bool, string) {
	_, body, err := c.request(ctx, call{method: "GET", path: []string{"health"}, idempotent: true})
	var hr struct {
		Status string `json:"status"`
	}
	var te *TransactionError
	if errors.As(err, &te) && te.StatusCode == http.StatusInternalServerError && json.Unmarshal(body, &hr) == nil && hr.Status != "" {
		return false, hr.Status
	} else if err != nil {
		return false, err.Error()
	} else if err := json.Unmarshal(body, &hr); err != nil {
		return false, fmt.Sprintf("error decoding health response: %s", err)
	}
	return true, hr.Status
}

// Shutdown sends the shutdown call.
func (c *Client) Shutdown(ctx context.Context) error {
	_, _, err := c.request(ctx, call{method: "POST", path: []string{"shutdown"}})
	return err
}

// GetNodes returns the pool visible to username. The producer of an
// uncountable pool runs on the client side: it names nodes after the
// template prefixes with a random suffix.
func (c *Client) GetNodes(ctx context.Context, username string, auth unicorn.OperationContext) (unicorn.NodePool, error) {
	_, body, err := c.request(ctx, call{
		method:     "GET",
		path:       []string{"nodes", username},
		headers:    map[string]unicorn.OperationContext{HeaderAuthContext: auth},
		idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	pool, err := unicorn.UnmarshalNodePool(body)
	if err != nil {
		return nil, fmt.Errorf("error decoding node pool: %w", err)
	}
	if up, ok := pool.(unicorn.UncountableNodePool); ok {
		up.Producer = prefixProducer(up.Template)
		pool = up
	}
	return pool, nil
}

func prefixProducer(template []unicorn.Node) unicorn.NodeProducer {
	var mtx sync.Mutex
	seq := 0
	return unicorn.NodeProducerFunc(func(ctx context.Context) (unicorn.Node, error) {
		if len(template) == 0 {
			return unicorn.Node{}, unicorn.ErrProducerExhausted
		}
		mtx.Lock()
		node := template[seq%len(template)]
		seq++
		mtx.Unlock()
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return unicorn.Node{}, err
		}
		node.Name = fmt.Sprintf("%s%x", node.Name, buf)
		return node, nil
	})
}

func (c *Client) batch(ctx context.Context, cl call) (unicorn.BatchResult[*string], error) {
	_, body, err := c.request(ctx, cl)
	if err != nil {
		return nil, err
	}
	var br unicorn.BatchResult[*string]
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, fmt.Errorf("error decoding batch result: %w", err)
	}
	if br == nil {
		br = unicorn.BatchResult[*string]{}
	}
	return br, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Deploy sends a deploy call.
func (c *Client) Deploy(ctx context.Context, username, experimentID string, deployments []unicorn.Deployment, deploymentCtx, auth unicorn.OperationContext) (unicorn.BatchResult[*string], error) {
	return c.batch(ctx, call{
		method: "POST",
		path:   []string{"deploy", username, experimentID},
		body:   nonNil(deployments),
		headers: map[string]unicorn.OperationContext{
			HeaderAuthContext:       auth,
			HeaderDeploymentContext: deploymentCtx,
		},
	})
}

// Execute sends an execute call.
func (c *Client) Execute(ctx context.Context, username, experimentID string, deployments []unicorn.Deployment, executionCtx, auth unicorn.OperationContext) (unicorn.BatchResult[*string], error) {
	return c.batch(ctx, call{
		method: "POST",
		path:   []string{"execute", username, experimentID},
		body:   nonNil(deployments),
		headers: map[string]unicorn.OperationContext{
			HeaderAuthContext:      auth,
			HeaderExecutionContext: executionCtx,
		},
	})
}

// StopExecutors sends a stop_executors call.
func (c *Client) StopExecutors(ctx context.Context, username string, requests []unicorn.StopExecutorRequest, cancellationCtx, auth unicorn.OperationContext) (unicorn.BatchResult[*string], error) {
	return c.batch(ctx, call{
		method: "POST",
		path:   []string{"stop_executors", username},
		body:   nonNil(requests),
		headers: map[string]unicorn.OperationContext{
			HeaderAuthContext:         auth,
			HeaderCancellationContext: cancellationCtx,
		},
	})
}

// Cleanup sends a cleanup call. Cleanup is idempotent, so it is
// retried after transient failures.
func (c *Client) Cleanup(ctx context.Context, experimentID string, deployments []unicorn.Deployment) error {
	_, _, err := c.request(ctx, call{
		method:     "POST",
		path:       []string{"cleanup", experimentID},
		body:       nonNil(deployments),
		idempotent: true,
	})
	return err
}
