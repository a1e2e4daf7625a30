package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/comigor/streamchat/internal/logger"
)

// PathModels lists the models the endpoint serves.
const PathModels = "/models"

// Model is one entry of the model catalog.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type modelsResponse struct {
	Models []Model `json:"models"`
}

// Models fetches the model catalog. Concurrent callers share one request.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	v, err, shared := c.models.Do(PathModels, func() (any, error) {
		return c.fetchModels(ctx)
	})
	if err != nil {
		return nil, err
	}
	logger.L.Debug("models fetched", "shared", shared)
	return append([]Model(nil), v.([]Model)...), nil
}

func (c *Client) fetchModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, c.timeout, ErrTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathModels, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if cause := interruption(ctx); cause != nil {
			return nil, cause
		}
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{StatusCode: resp.StatusCode, Message: errorMessage(resp)}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, ErrNoResponseBody
	}

	var out modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return out.Models, nil
}
