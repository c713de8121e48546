// Package solver wraps the external captcha-solving service.
// Purely request/response; no state is held across calls.
package solver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var ErrUnsolvable = errors.New("solver: challenge unsolvable")

// Solver turns a challenge image into text.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Config for the HTTP adapter.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPSolver posts the image to a captcha-service endpoint and returns the
// decoded text. The wire format is the common base64-in-JSON shape.
type HTTPSolver struct {
	cfg    Config
	client *http.Client
}

func NewHTTP(cfg Config) (*HTTPSolver, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("solver endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPSolver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type solveRequest struct {
	Key   string `json:"key,omitempty"`
	Image string `json:"image"`
}

type solveResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func (s *HTTPSolver) Solve(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("solver: empty image")
	}

	body, err := json.Marshal(solveRequest{
		Key:   s.cfg.APIKey,
		Image: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("solver request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("solver: unexpected status %d", resp.StatusCode)
	}

	var out solveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("solver response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrUnsolvable, out.Error)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", ErrUnsolvable
	}
	return strings.TrimSpace(out.Text), nil
}

// Static returns a fixed answer for every challenge. Used with the sim
// driver in dry-run mode.
type Static string

func (s Static) Solve(ctx context.Context, image []byte) (string, error) {
	return string(s), nil
}
