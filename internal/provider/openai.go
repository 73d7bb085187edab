package provider

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

	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/media"
	"github.com/ent0n29/tth/internal/reliability"
)

const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// StatusError is a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream http status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.StatusCode) }

// OpenAIConfig is shared by the OpenAI-compatible text and speech clients.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	HTTPClient  *http.Client
}

type openAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	http        *http.Client
}

func newOpenAIClient(cfg OpenAIConfig, defaultModel string) *openAIClient {
	c := &openAIClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       strings.TrimSpace(cfg.Model),
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		http:        cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultOpenAIBaseURL
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.backoffBase <= 0 {
		c.backoffBase = 200 * time.Millisecond
	}
	if c.backoffCap <= 0 {
		c.backoffCap = 2 * time.Second
	}
	if c.http == nil {
		// Streams are bounded by the caller's context, not a client timeout.
		c.http = &http.Client{}
	}
	return c
}

// post starts a streaming request, retrying retryable statuses and transport
// errors with capped exponential backoff. The caller owns the response body.
func (c *openAIClient) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 && !sleep(ctx, reliability.ExponentialBackoff(attempt-1, c.backoffBase, c.backoffCap)) {
			return nil, ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		res, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("send request: %w", err)
			if !reliability.IsRetryableTransportError(err) {
				return nil, lastErr
			}
			continue
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return res, nil
		}
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		se := &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(raw))}
		if !se.Retryable() {
			return nil, se
		}
		lastErr = se
	}
	return nil, lastErr
}

func (c *openAIClient) health(ctx context.Context, name string) HealthStatus {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := HealthStatus{Name: name}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		status.Detail = err.Error()
		return status
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	res, err := c.http.Do(req)
	status.LatencyMS = float64(time.Since(started).Microseconds()) / 1000
	if err != nil {
		status.Detail = err.Error()
		return status
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	status.Healthy = res.StatusCode == http.StatusOK
	if !status.Healthy {
		status.Detail = fmt.Sprintf("status %d", res.StatusCode)
	}
	return status
}

// OpenAIText streams chat completion deltas over SSE.
type OpenAIText struct {
	client *openAIClient
}

func NewOpenAIText(cfg OpenAIConfig) *OpenAIText {
	return &OpenAIText{client: newOpenAIClient(cfg, "gpt-4o-mini")}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Stream   bool      `json:"stream"`
	Messages []Message `json:"messages"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (o *OpenAIText) StreamText(ctx context.Context, input string, c control.TurnControl, tc TurnContext) (<-chan Result[string], error) {
	messages := make([]Message, 0, len(tc.History)+2)
	messages = append(messages, Message{Role: "system", Content: control.SystemPrompt(c, tc.PersonaName)})
	messages = append(messages, tc.History...)
	messages = append(messages, Message{Role: "user", Content: input})

	res, err := o.client.post(ctx, "/chat/completions", chatRequest{Model: o.client.model, Stream: true, Messages: messages})
	if err != nil {
		return nil, err
	}

	out := make(chan Result[string])
	go func() {
		defer close(out)
		defer res.Body.Close()
		if err := consumeChatSSE(ctx, res.Body, out); err != nil && ctx.Err() == nil {
			send(ctx, out, Result[string]{Err: err})
		}
	}()
	return out, nil
}

func consumeChatSSE(ctx context.Context, body io.Reader, out chan<- Result[string]) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if !send(ctx, out, Result[string]{Value: chunk.Choices[0].Delta.Content}) {
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

func (o *OpenAIText) Health(ctx context.Context) HealthStatus {
	return o.client.health(ctx, "openai_text")
}

func (o *OpenAIText) Capabilities() Capabilities {
	return Capabilities{
		Name:              "openai_text",
		Kind:              KindText,
		Streaming:         true,
		Emotion:           true,
		MaxTextLength:     100000,
		SupportedEmotions: allEmotions(),
	}
}

// openAIMP3Kbps is the constant bitrate of the speech endpoint's mp3 output.
const openAIMP3Kbps = 128

// OpenAISpeech streams mp3 bytes from the speech endpoint. Durations are derived
// from byte counts at the known bitrate; timestamps continue from the turn's
// audio offset.
type OpenAISpeech struct {
	client    *openAIClient
	chunkSize int
}

func NewOpenAISpeech(cfg OpenAIConfig) *OpenAISpeech {
	return &OpenAISpeech{client: newOpenAIClient(cfg, "tts-1"), chunkSize: 4096}
}

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
}

func (o *OpenAISpeech) StreamSpeech(ctx context.Context, text string, c control.TurnControl, tc TurnContext) (<-chan Result[media.AudioFragment], error) {
	params := control.SpeechParamsFor(c)
	res, err := o.client.post(ctx, "/audio/speech", speechRequest{
		Model:          o.client.model,
		Input:          text,
		Voice:          params.Voice,
		Speed:          params.Speed,
		ResponseFormat: media.EncodingMP3,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Result[media.AudioFragment])
	go func() {
		defer close(out)
		defer res.Body.Close()
		ts := tc.AudioOffsetMs
		buf := make([]byte, o.chunkSize)
		for {
			n, err := res.Body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				dur := media.EstimateMP3DurationMs(n, openAIMP3Kbps)
				frag := media.AudioFragment{
					Data:        data,
					TimestampMs: ts,
					DurationMs:  dur,
					SampleRate:  24000,
					Encoding:    media.EncodingMP3,
				}
				if !send(ctx, out, Result[media.AudioFragment]{Value: frag}) {
					return
				}
				ts += dur
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, out, Result[media.AudioFragment]{Err: fmt.Errorf("read speech stream: %w", err)})
				}
				return
			}
		}
	}()
	return out, nil
}

func (o *OpenAISpeech) Health(ctx context.Context) HealthStatus {
	return o.client.health(ctx, "openai_speech")
}

func (o *OpenAISpeech) Capabilities() Capabilities {
	return Capabilities{
		Name:              "openai_speech",
		Kind:              KindSpeech,
		Streaming:         true,
		Emotion:           true,
		SupportedEmotions: []string{"neutral", "happy", "sad", "angry", "surprised", "fearful"},
		Encodings:         []string{media.EncodingMP3},
	}
}
