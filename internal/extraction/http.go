package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTPExtractor posts the raw image to a model endpoint and returns the JSON
// body it answers with.
type HTTPExtractor struct {
	url    string
	token  string
	client *http.Client
	log    *zap.Logger
}

func NewHTTPExtractor(url, token string, timeout time.Duration, log *zap.Logger) *HTTPExtractor {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &HTTPExtractor{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

func (e *HTTPExtractor) Extract(ctx context.Context, image []byte) (json.RawMessage, error) {
	if len(image) == 0 {
		return nil, Fatalf("missing required image bytes")
	}
	reqID := uuid.NewString()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(image))
	if err != nil {
		return nil, Fatal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", http.DetectContentType(image))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Warn("extractor: send failed", zap.String("req_id", reqID), zap.Error(err),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
		return nil, Classify(err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.log.Warn("extractor: close body", zap.String("req_id", reqID), zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, Transient(fmt.Errorf("read response: %w", err))
	}

	e.log.Info("extractor: response",
		zap.String("req_id", reqID),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if resp.StatusCode/100 != 2 {
		return nil, classifyStatus(resp.StatusCode, body)
	}
	if !json.Valid(body) {
		return nil, Fatalf("malformed extraction output: response is not JSON")
	}
	return json.RawMessage(body), nil
}

// classifyStatus prefers the HTTP status over message sniffing.
func classifyStatus(code int, body []byte) *Error {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	err := fmt.Errorf("extractor status %d: %s", code, msg)
	status := strconv.Itoa(code)

	switch {
	case code == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Code: status, Err: err}
	case code == http.StatusRequestTimeout || code >= 500:
		return &Error{Kind: KindTransient, Code: status, Err: err}
	case code == http.StatusBadRequest || code == http.StatusRequestEntityTooLarge ||
		code == http.StatusUnsupportedMediaType || code == http.StatusUnprocessableEntity:
		return &Error{Kind: KindFatal, Code: status, Err: err}
	}
	c := Classify(err)
	c.Code = status
	return c
}
