// Package backend talks to the remote task API. Callers treat every failure
// as non-fatal; the local store stays the source of truth.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BasedHardware/taskpilot/internal/model"
)

// Client is the remote task API client.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retries int
	backoff time.Duration
}

// New creates a backend client. A zero timeout defaults to 15s.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		retries: 2,
		backoff: 300 * time.Millisecond,
	}
}

// CreateStagedTask mirrors a newly staged task to the backend.
func (c *Client) CreateStagedTask(ctx context.Context, rec model.StagedTask) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/staged-tasks", rec, nil)
}

// DeleteStagedTask removes a staged task on the backend. Missing ids are not
// an error.
func (c *Client) DeleteStagedTask(ctx context.Context, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/v1/staged-tasks/"+id, nil, nil)
	if err != nil && strings.Contains(err.Error(), "404") {
		return nil
	}
	return err
}

// BatchUpdateScores pushes the full relevance score set in one call.
func (c *Client) BatchUpdateScores(ctx context.Context, scores []model.TaskScore) error {
	body := struct {
		Scores []model.TaskScore `json:"scores"`
	}{Scores: scores}
	return c.doJSON(ctx, http.MethodPatch, "/v1/staged-tasks/batch-scores", body, nil)
}

// GetGoals fetches the user's active goals.
func (c *Client) GetGoals(ctx context.Context) ([]model.Goal, error) {
	var out struct {
		Goals []model.Goal `json:"goals"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/goals", nil, &out); err != nil {
		return nil, err
	}
	return out.Goals, nil
}

// GetUserProfile fetches the generated user profile text.
func (c *Client) GetUserProfile(ctx context.Context) (*model.UserProfile, error) {
	var out model.UserProfile
	if err := c.doJSON(ctx, http.MethodGet, "/v1/user-profile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegenerateProfile asks the backend to rebuild the user profile.
func (c *Client) RegenerateProfile(ctx context.Context) (*model.UserProfile, error) {
	var out model.UserProfile
	if err := c.doJSON(ctx, http.MethodPost, "/v1/user-profile/regenerate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return err
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					if out != nil {
						lastErr = json.NewDecoder(resp.Body).Decode(out)
					} else {
						lastErr = nil
					}
					return
				}
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				lastErr = errors.New(resp.Status + ": " + string(b))
			}()
			if lastErr == nil {
				return nil
			}
			// client errors other than 429 will not improve on retry
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return lastErr
			}
		}

		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
