package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// httpJSON posts a JSON body and decodes a JSON reply, translating HTTP
// status classes into the provider error taxonomy: 429 → rate limited,
// 401/403 → auth failure, other 4xx → malformed request (permanent),
// 5xx → provider unavailable (transient). The raw request and response
// bodies are returned for the API call log.
func httpJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, in, out any) (rawReq, rawResp []byte, err error) {
	var body io.Reader
	if in != nil {
		rawReq, err = json.Marshal(in)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(rawReq)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return rawReq, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return rawReq, nil, fmt.Errorf("%v: %w", err, ErrProviderUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	rawResp, err = io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return rawReq, nil, fmt.Errorf("read response: %w", ErrProviderUnavailable)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return rawReq, rawResp, fmt.Errorf("status 429: %w", ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return rawReq, rawResp, fmt.Errorf("status %d: %w", resp.StatusCode, ErrAuthFailure)
	case resp.StatusCode >= 500:
		return rawReq, rawResp, fmt.Errorf("status %d: %w", resp.StatusCode, ErrProviderUnavailable)
	case resp.StatusCode >= 400:
		return rawReq, rawResp, fmt.Errorf("status %d: %s: %w", resp.StatusCode, truncate(rawResp, 200), ErrMalformedResponse)
	}
	if out == nil {
		return rawReq, rawResp, nil
	}
	if err := json.Unmarshal(rawResp, out); err != nil {
		return rawReq, rawResp, fmt.Errorf("decode response: %v: %w", err, ErrMalformedResponse)
	}
	return rawReq, rawResp, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
