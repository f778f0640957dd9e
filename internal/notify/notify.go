package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/HumanChan/web-loader/internal/types"
)

// ErrNoEndpoint is returned when no notification URL is configured.
var ErrNoEndpoint = errors.New("notify: endpoint is empty")

// ExportMessage formats the one-line export summary posted after a run.
func ExportMessage(sessionID, target string, p types.ExportProgress) string {
	return fmt.Sprintf("web-loader export finished: session=%s target=%s completed=%d failed=%d total=%d bytes=%d",
		sessionID, target, p.Completed, p.Failed, p.Total, p.BytesCompleted)
}

// SendExport posts the export summary to endpoint.
func SendExport(ctx context.Context, client *http.Client, endpoint, sessionID, target string, p types.ExportProgress) error {
	return Send(ctx, client, endpoint, ExportMessage(sessionID, target, p))
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if strings.TrimSpace(endpoint) == "" {
		return ErrNoEndpoint
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
