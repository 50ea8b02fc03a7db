// Package bypass talks to an external anti-bot challenge solver.
package bypass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/forumsentry/forumsentry/internal/monitor"
)

// Config controls the solver client.
type Config struct {
	// Endpoint is the solver's API root, e.g. http://localhost:8191/v1.
	Endpoint string
	Timeout  time.Duration
	// MaxSolveMs is forwarded to the solver as its own internal budget.
	MaxSolveMs int
}

// Client implements monitor.BypassClient against a FlareSolverr-compatible
// HTTP API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client. Timeout bounds the whole solve round-trip; solver
// calls are slow by nature, so the default is generous.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.MaxSolveMs <= 0 {
		cfg.MaxSolveMs = 60000
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

type solveRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int    `json:"maxTimeout"`
}

type solveResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL       string `json:"url"`
		Status    int    `json:"status"`
		UserAgent string `json:"userAgent"`
		Cookies   []struct {
			Name   string `json:"name"`
			Value  string `json:"value"`
			Domain string `json:"domain"`
			Path   string `json:"path"`
		} `json:"cookies"`
	} `json:"solution"`
}

// Solve asks the external service to pre-solve the challenge for url and
// returns the session state to inject into the browser.
func (c *Client) Solve(ctx context.Context, url string) (monitor.BypassSolution, error) {
	payload, err := json.Marshal(solveRequest{
		Cmd:        "request.get",
		URL:        url,
		MaxTimeout: c.cfg.MaxSolveMs,
	})
	if err != nil {
		return monitor.BypassSolution{}, fmt.Errorf("marshal solve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return monitor.BypassSolution{}, fmt.Errorf("build solve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return monitor.BypassSolution{}, fmt.Errorf("solver request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return monitor.BypassSolution{}, fmt.Errorf("read solver response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return monitor.BypassSolution{}, fmt.Errorf("solver returned status %d", resp.StatusCode)
	}

	var parsed solveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return monitor.BypassSolution{}, fmt.Errorf("decode solver response: %w", err)
	}
	if parsed.Status != "ok" {
		return monitor.BypassSolution{}, fmt.Errorf("solver failed: %s", parsed.Message)
	}

	solution := monitor.BypassSolution{UserAgent: parsed.Solution.UserAgent}
	for _, ck := range parsed.Solution.Cookies {
		solution.Cookies = append(solution.Cookies, monitor.Cookie{
			Name:   ck.Name,
			Value:  ck.Value,
			Domain: ck.Domain,
			Path:   ck.Path,
		})
	}
	c.logger.Debug("challenge solved",
		zap.String("url", url),
		zap.Int("cookies", len(solution.Cookies)),
	)
	return solution, nil
}
