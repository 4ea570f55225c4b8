package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/threadbot/internal/chat"
)

// HTTPClient calls POST {base}/chat/completions.
type HTTPClient struct {
	client *http.Client
	logger zerolog.Logger
}

func NewHTTPClient(cfg Config) *HTTPClient {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{client: client, logger: cfg.Logger}
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

type completionBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

func (c *HTTPClient) StreamComplete(ctx context.Context, prompt chat.Prompt, cfg chat.AIConfig, onDelta DeltaHandler) (Response, error) {
	res, err := c.send(ctx, prompt, cfg, true)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out    strings.Builder
		finish string
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Response{}, newFailure("decode", 0, fmt.Errorf("malformed stream chunk: %w", err))
		}
		if chunk.Error != nil {
			return Response{}, newFailure("stream", 0, errors.New(chunk.Error.Message))
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			finish = fr
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, newFailure("stream", 0, fmt.Errorf("stream read: %w", err))
	}

	return Response{Text: out.String(), FinishReason: finish}, nil
}

func (c *HTTPClient) Complete(ctx context.Context, prompt chat.Prompt, cfg chat.AIConfig) (Response, error) {
	res, err := c.send(ctx, prompt, cfg, false)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	var body completionBody
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return Response{}, newFailure("decode", 0, fmt.Errorf("decode response: %w", err))
	}
	if body.Error != nil {
		return Response{}, newFailure("complete", 0, errors.New(body.Error.Message))
	}
	if len(body.Choices) == 0 {
		return Response{}, newFailure("decode", 0, errors.New("response has no choices"))
	}
	return Response{Text: body.Choices[0].Message.Content, FinishReason: body.Choices[0].FinishReason}, nil
}

// send posts the request and returns the response once a 2xx status is seen.
func (c *HTTPClient) send(ctx context.Context, prompt chat.Prompt, cfg chat.AIConfig, stream bool) (*http.Response, error) {
	reqBody := make(map[string]any, len(cfg.ExtraParams)+3)
	for k, v := range cfg.ExtraParams {
		reqBody[k] = v
	}
	reqBody["model"] = cfg.Model
	reqBody["messages"] = prompt
	reqBody["stream"] = stream

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, newFailure("encode", 0, fmt.Errorf("marshal request: %w", err))
	}

	url := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, newFailure("encode", 0, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	c.logger.Debug().
		Str("model", cfg.Model).
		Int("messages", len(prompt)).
		Bool("stream", stream).
		Msg("completion request")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, newFailure("send", 0, fmt.Errorf("send request: %w", err))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, newFailure("send", res.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}
	return res, nil
}
