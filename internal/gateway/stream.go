// Incremental token streaming over SSE.
//
// DESIGN: Stream opens the provider's server-sent-events variant of the
// completion call and exposes a lazy, finite sequence of text fragments.
// Consumers drain with Recv() until io.EOF, or Close() mid-stream to cancel
// and discard partial output. All provider-specific event shapes are
// handled in extractStreamDelta; the consumer sees plain text fragments.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// sseScanBuffer sizes the line scanner; single SSE events can carry large
// JSON payloads.
const sseScanBuffer = 1024 * 1024

type streamEvent struct {
	text string
	err  error
}

// Stream is a cancellable lazy sequence of response text fragments.
type Stream struct {
	events chan streamEvent
	cancel context.CancelFunc
	once   sync.Once
}

// Recv returns the next text fragment. It returns io.EOF after the final
// fragment, or the underlying failure if the stream broke mid-response.
func (s *Stream) Recv() (string, error) {
	ev, ok := <-s.events
	if !ok {
		return "", io.EOF
	}
	if ev.err != nil {
		return "", ev.err
	}
	return ev.text, nil
}

// Close cancels the stream. Any fragments not yet received are discarded.
// Safe to call multiple times and after EOF.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.cancel()
		go func() {
			for range s.events {
			}
		}()
	})
}

// Stream opens an incremental completion stream. The same retry policy as
// Complete applies to establishing the connection; once fragments are
// flowing, a mid-stream failure is surfaced through Recv and is not
// retried (the caller discards partial output).
//
// Bedrock responses use the AWS binary event-stream framing rather than
// SSE, so bedrock calls are collected whole and delivered as a single
// fragment.
func (c *Client) Stream(ctx context.Context, params CallParams) (*Stream, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("invalid call params: %w", err)
	}

	provider := params.Provider
	if provider == "" {
		provider = DetectProvider(params.Endpoint)
	}

	if provider == "bedrock" {
		return c.streamWhole(ctx, params)
	}

	body, err := buildRequestBody(provider, params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", provider, err)
	}
	body, endpoint, err := enableStreaming(provider, body, params.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to enable streaming for %s: %w", provider, err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, params.Timeout)

	resp, err := c.connectStream(streamCtx, provider, params, endpoint, body)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Stream{
		events: make(chan streamEvent),
		cancel: cancel,
	}
	go c.readStream(streamCtx, provider, resp, s)
	return s, nil
}

// streamWhole collects a complete response and wraps it as a one-fragment
// stream, for providers without an SSE surface.
func (c *Client) streamWhole(ctx context.Context, params CallParams) (*Stream, error) {
	result, err := c.Complete(ctx, params)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		events: make(chan streamEvent, 1),
		cancel: func() {},
	}
	s.events <- streamEvent{text: result.Content}
	close(s.events)
	return s, nil
}

// connectStream establishes the SSE connection, retrying transient
// failures with the same backoff policy as Complete.
func (c *Client) connectStream(ctx context.Context, provider string, params CallParams, endpoint string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= params.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepBackoff(ctx, params.Backoff, attempt-1); err != nil {
				return nil, err
			}
			log.Debug().Str("provider", provider).Int("attempt", attempt).Msg("Retrying stream connect")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelRejected, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		setAuthHeaders(req, provider, params.APIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("%s request failed: %w", provider, err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		err = classifyStatus(provider, resp.StatusCode, respBody)
		if errors.Is(err, ErrModelRejected) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %d attempts exhausted: %v", ErrModelUnavailable, params.MaxAttempts, lastErr)
}

// readStream parses SSE lines into text fragments until the provider's
// terminal event, then closes the event channel. A stream that ends any
// other way carries only part of the response, so it surfaces an error
// event and the consumer discards what it accumulated.
func (c *Client) readStream(ctx context.Context, provider string, resp *http.Response, s *Stream) {
	defer resp.Body.Close()
	defer close(s.events)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), sseScanBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := bytes.TrimPrefix(line, []byte("data: "))

		if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
			return
		}

		text, done := extractStreamDelta(provider, data)
		if text != "" {
			select {
			case s.events <- streamEvent{text: text}:
			case <-ctx.Done():
				s.events <- streamEvent{err: streamEndErr(ctx, provider, nil)}
				return
			}
		}
		if done {
			return
		}
	}

	// Falling out of the scan loop means no terminal event arrived: the
	// connection dropped, the per-call timeout fired, or the caller
	// cancelled. The text delivered so far is incomplete either way.
	s.events <- streamEvent{err: streamEndErr(ctx, provider, scanner.Err())}
}

// streamEndErr classifies a stream that ended without its terminal event.
// Timeouts and dropped connections are transient failures; cancellation
// passes through so callers can tell it apart.
func streamEndErr(ctx context.Context, provider string, scanErr error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s stream timed out mid-response", ErrModelUnavailable, provider)
	case ctx.Err() != nil:
		return ctx.Err()
	case scanErr != nil:
		return fmt.Errorf("%w: %s stream broke: %v", ErrModelUnavailable, provider, scanErr)
	default:
		return fmt.Errorf("%w: %s stream ended before its terminal event", ErrModelUnavailable, provider)
	}
}

// extractStreamDelta pulls the incremental text out of one SSE event.
// Returns done=true on the provider's end-of-stream signal.
func extractStreamDelta(provider string, data []byte) (string, bool) {
	switch provider {
	case "anthropic":
		switch gjson.GetBytes(data, "type").String() {
		case "content_block_delta":
			return gjson.GetBytes(data, "delta.text").String(), false
		case "message_stop":
			return "", true
		}
		return "", false
	case "gemini":
		// Gemini has no stop event; the last chunk carries a finishReason.
		text := gjson.GetBytes(data, "candidates.0.content.parts.0.text").String()
		return text, gjson.GetBytes(data, "candidates.0.finishReason").Exists()
	default: // openai — the [DONE] sentinel terminates the stream
		return gjson.GetBytes(data, "choices.0.delta.content").String(), false
	}
}

// enableStreaming flips the request body (or endpoint, for Gemini) into
// its streaming form.
func enableStreaming(provider string, body []byte, endpoint string) ([]byte, string, error) {
	switch provider {
	case "gemini":
		// Gemini streams via a different method plus SSE framing.
		if strings.Contains(endpoint, ":generateContent") {
			endpoint = strings.Replace(endpoint, ":generateContent", ":streamGenerateContent?alt=sse", 1)
		}
		return body, endpoint, nil
	default:
		out, err := sjson.SetBytes(body, "stream", true)
		if err != nil {
			return nil, "", err
		}
		return out, endpoint, nil
	}
}
