package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/workflowd/internal/controlplane"
	"github.com/fentz26/workflowd/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the workflowd API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListJobs fetches the most recent jobs
func (c *Client) ListJobs(limit int) ([]models.Job, error) {
	var jobs []models.Job
	err := c.get(fmt.Sprintf("/jobs?limit=%d", limit), &jobs)
	return jobs, err
}

// GetJob fetches a job with its steps
func (c *Client) GetJob(id int64) (*controlplane.JobView, error) {
	var job controlplane.JobView
	if err := c.get(fmt.Sprintf("/jobs/%d", id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListServices fetches the registered services
func (c *Client) ListServices() ([]controlplane.ServiceView, error) {
	var services []controlplane.ServiceView
	err := c.get("/services", &services)
	return services, err
}

// CheckHealth checks if the daemon and its database are healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var health controlplane.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return resp.StatusCode == http.StatusOK && health.OK, nil
}

func (c *Client) get(path string, v interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
