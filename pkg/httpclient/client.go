// Copyright 2025 The Analyst Copilot Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient provides an HTTP client with retry and exponential
// backoff for the LLM, embedding and vector collaborators.
package httpclient

import (
	"crypto/rand"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"time"
)

// Client wraps http.Client with retry on transient failures.
type Client struct {
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

// WithMaxAttempts sets the total number of attempts including the first.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithBaseDelay sets the first retry delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithMaxDelay caps the retry delay.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) { c.maxDelay = d }
}

// New creates a retrying client with the default policy:
// 3 attempts, 1s base delay, factor 2, 60s cap, jittered.
func New(opts ...Option) *Client {
	c := &Client{
		client:      &http.Client{Timeout: 60 * time.Second},
		maxAttempts: 3,
		baseDelay:   time.Second,
		maxDelay:    60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryable reports whether a response status warrants another attempt.
func retryable(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Do executes the request, retrying transient failures with exponential
// backoff. The request body must be replayable (GetBody set), which is the
// case for requests built from byte buffers.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	var resp *http.Response

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, lastErr = c.client.Do(req)
		if lastErr == nil {
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				if !retryable(resp.StatusCode) {
					return resp, nil
				}
				lastErr = &RetryableError{StatusCode: resp.StatusCode, Message: "transient upstream failure"}
				resp.Body.Close()
			} else {
				return resp, nil
			}
		}

		if attempt == c.maxAttempts-1 {
			break
		}

		delay := Backoff(c.baseDelay, c.maxDelay, attempt)
		slog.Debug("retrying request",
			"url", req.URL.String(),
			"attempt", attempt+1,
			"delay", delay)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	if lastErr != nil {
		return nil, &RetryableError{
			StatusCode: statusOf(resp),
			Message:    "max attempts exceeded",
			Err:        lastErr,
		}
	}
	return resp, nil
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// Backoff computes min(maxDelay, base * 2^attempt) plus up to 25% jitter
// sampled from crypto/rand.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > maxDelay {
		delay = maxDelay
	}

	span := int64(delay / 4)
	if span <= 0 {
		return delay
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return delay
	}
	return delay + time.Duration(n.Int64())
}
