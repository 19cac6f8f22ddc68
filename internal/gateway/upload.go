package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// countingReader reports upload progress as bytes flow to the transport.
type countingReader struct {
	r        io.Reader
	total    int64
	sent     int64
	progress func(float64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.total > 0 && c.progress != nil {
		c.sent += int64(n)
		fraction := float64(c.sent) / float64(c.total)
		if fraction > 1.0 {
			fraction = 1.0
		}
		c.progress(fraction)
	}
	return n, err
}

// Upload transfers attachment bytes to the store's blob endpoint and returns
// the assigned URL. Progress is reported from actual bytes written when the
// payload length is known; the upload coordinator falls back to simulated
// ticks otherwise.
func (c *Client) Upload(ctx context.Context, attachmentID string, payload io.Reader, progress func(float64)) (string, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return "", err
	}

	body := payload
	var total int64
	type sizer interface{ Size() int64 }
	type lener interface{ Len() int }
	switch p := payload.(type) {
	case sizer:
		total = p.Size()
	case lener:
		total = int64(p.Len())
	}
	if total > 0 {
		body = &countingReader{r: payload, total: total, progress: progress}
	}

	url := c.baseURL + "/v1/attachments/" + attachmentID
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	if total > 0 {
		req.ContentLength = total
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload status %d", resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upload result: %w", err)
	}
	return out.URL, nil
}
