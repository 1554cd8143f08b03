// Package ollama is a thin HTTP client for a local Ollama server, one
// of the providers internal/airouter can route C6 queries to.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

type Client struct {
	BaseURL string
}

// NewClientFromEnv initializes a new Ollama client from environment variables
func NewClientFromEnv() *Client {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434/api" // default Ollama endpoint
	}
	return &Client{BaseURL: baseURL}
}

// Chat sends a message to the Ollama chat endpoint.
func (c *Client) Chat(ctx context.Context, model, message string) (string, error) {
	reqBody := map[string]interface{}{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": message},
		},
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/chat", c.BaseURL), bytes.NewBuffer(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama chat failed: %s", string(body))
	}

	// Ollama streams responses, so capture incrementally.
	var output string
	decoder := json.NewDecoder(resp.Body)
	for decoder.More() {
		var part struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Done bool `json:"done"`
		}
		if err := decoder.Decode(&part); err != nil {
			return "", err
		}
		output += part.Message.Content
		if part.Done {
			break
		}
	}
	return output, nil
}

// Generate sends a prompt to the Ollama generate endpoint.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	reqBody := map[string]interface{}{
		"model":  model,
		"prompt": prompt,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/generate", c.BaseURL), bytes.NewBuffer(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama generate failed: %s", string(body))
	}

	// Capture streaming output.
	var output string
	decoder := json.NewDecoder(resp.Body)
	for decoder.More() {
		var part struct {
			Response string `json:"response"`
			Done     bool   `json:"done"`
		}
		if err := decoder.Decode(&part); err != nil {
			return "", err
		}
		output += part.Response
		if part.Done {
			break
		}
	}
	return output, nil
}
