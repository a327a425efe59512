package maintenance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// LogFile is one log retrieved from the car.
type LogFile struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// logNames are fetched in order; only the first is required.
var logNames = []string{"log.txt", "log.old.txt"}

const maxLogSize = 4 << 20

// Client calls the car's maintenance endpoints.
type Client struct {
	BaseURL string // e.g. http://192.168.4.1
	HTTP    *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + path
}

// Upload posts a firmware image. Only the outcome matters; the car
// restarts on its own after accepting it.
func (c *Client) Upload(ctx context.Context, image io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("update"), image)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("update rejected: %s", resp.Status)
	}
	return nil
}

// FetchLogs downloads the current log and, if present, the rotated one.
func (c *Client) FetchLogs(ctx context.Context) ([]LogFile, error) {
	var files []LogFile
	for i, name := range logNames {
		data, status, err := c.get(ctx, name)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			continue
		}
		if status == http.StatusNotFound && i > 0 {
			continue
		}
		if status < 200 || status > 299 {
			if i == 0 {
				return nil, fmt.Errorf("fetch %s: HTTP %d", name, status)
			}
			continue
		}
		files = append(files, LogFile{Name: name, Data: data})
	}
	return files, nil
}

func (c *Client) get(ctx context.Context, name string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(name), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build %s request: %w", name, err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", name, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLogSize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s: %w", name, err)
	}
	return data, resp.StatusCode, nil
}
