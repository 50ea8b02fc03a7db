// Package planner asks a language-model service for form fill plans.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/forumsentry/forumsentry/internal/monitor"
)

// Config controls the planner client.
type Config struct {
	// Endpoint is an OpenAI-compatible chat completions URL.
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
	// Persona describes the registrant for open-ended profile questions.
	Persona string
	// MaxFragmentBytes caps the markup sent to the model.
	MaxFragmentBytes int
}

// Client implements monitor.Planner against a chat-completions API. The
// model is asked to return a strict JSON fill plan; anything else is treated
// as a declined plan, not an error.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxFragmentBytes <= 0 {
		cfg.MaxFragmentBytes = 32 * 1024
	}
	if cfg.Persona == "" {
		cfg.Persona = "a polite hobbyist who enjoys the forum's topic"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

const systemPrompt = `You analyze an HTML registration form and produce a fill plan.
Respond with JSON only, no prose, in this exact shape:
{"actions":[{"selector":"<css selector>","value":"<text>","kind":"fill|toggle"}],"submit_selector":"<css selector>"}
Use "toggle" for checkboxes (terms of service, privacy). Answer open-ended
questions briefly and in character. If the form cannot be completed, respond
with the JSON literal null.`

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Plan requests a fill plan for the given form markup. A nil plan with nil
// error means the model declined or returned nothing usable.
func (c *Client) Plan(ctx context.Context, formHTML string, target monitor.Target) (*monitor.FillPlan, error) {
	if len(formHTML) > c.cfg.MaxFragmentBytes {
		formHTML = formHTML[:c.cfg.MaxFragmentBytes]
	}

	user := fmt.Sprintf(
		"Persona: %s\nUsername: %s\nEmail: %s\nPassword: %s\n\nForm HTML:\n%s",
		c.cfg.Persona,
		target.Credentials.Handle,
		target.Credentials.Email,
		target.Credentials.Secret,
		formHTML,
	)

	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal plan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build plan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("planner request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read planner response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("planner returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode planner response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, nil
	}
	return c.decodePlan(parsed.Choices[0].Message.Content), nil
}

// decodePlan extracts a FillPlan from model output. Models occasionally wrap
// JSON in code fences; strip them before decoding.
func (c *Client) decodePlan(content string) *monitor.FillPlan {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	if content == "" || content == "null" {
		return nil
	}

	var plan monitor.FillPlan
	if err := json.Unmarshal([]byte(content), &plan); err != nil {
		c.logger.Debug("planner output not decodable", zap.Error(err))
		return nil
	}
	if len(plan.Actions) == 0 || plan.SubmitSelector == "" {
		return nil
	}
	for i := range plan.Actions {
		if plan.Actions[i].Kind == "" {
			plan.Actions[i].Kind = monitor.ActionFill
		}
	}
	return &plan
}
