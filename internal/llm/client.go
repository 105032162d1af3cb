package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"avalon-arena/internal/config"
	"avalon-arena/internal/gamefile"
)

// chatRequest is the OpenAI-compatible completion request body.
type chatRequest struct {
	Model            string                 `json:"model"`
	Messages         []gamefile.ChatMessage `json:"messages"`
	Temperature      float64                `json:"temperature"`
	TopP             float64                `json:"top_p"`
	PresencePenalty  float64                `json:"presence_penalty"`
	FrequencyPenalty float64                `json:"frequency_penalty"`
	MaxTokens        int                    `json:"max_tokens"`
	Stream           bool                   `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message gamefile.ChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// chat performs one completion against a backend, retrying up to
// cfg.MaxRetries attempts with a hard per-attempt timeout. On 429 the retry
// backs off; other failures retry after a short pause.
func chat(httpc *http.Client, gw config.LLMConfig, backend config.LLMClientConfig, messages []gamefile.ChatMessage) (string, error) {
	body := chatRequest{
		Model:            backend.Model,
		Messages:         messages,
		Temperature:      gw.Temperature,
		TopP:             gw.TopP,
		PresencePenalty:  gw.PresencePenalty,
		FrequencyPenalty: gw.FrequencyPenalty,
		MaxTokens:        gw.MaxTokens,
		Stream:           false,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	url := strings.TrimRight(backend.BaseURL, "/") + "/chat/completions"

	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= gw.MaxRetries; attempt++ {
		reply, err := chatOnce(httpc, url, backend.APIKey, payload, gw.CallTimeout)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if attempt < gw.MaxRetries {
			if strings.Contains(err.Error(), "429") {
				time.Sleep(backoff)
				backoff *= 2
			} else {
				time.Sleep(500 * time.Millisecond)
			}
		}
	}
	return "", fmt.Errorf("chat failed after %d attempts: %w", gw.MaxRetries, lastErr)
}

func chatOnce(httpc *http.Client, url, apiKey string, payload []byte, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("backend error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
