package types

// SessionState is the lifecycle state of a CaptureSession.
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionCapturing SessionState = "capturing"
	SessionPaused    SessionState = "paused"
	SessionExporting SessionState = "exporting"
)

// CaptureSession is one capture run bound to an isolated browsing partition
// and a dedicated temp directory.
type CaptureSession struct {
	SessionID string       `json:"sessionId"`
	Partition string       `json:"partition"`
	TempDir   string       `json:"tempDir"`
	StartedAt int64        `json:"startedAt"`
	State     SessionState `json:"state"`
	URL       string       `json:"url,omitempty"`
}

// ExportProgress is streamed during an export run. It is never persisted.
type ExportProgress struct {
	Total          int   `json:"total"`
	Completed      int   `json:"completed"`
	Failed         int   `json:"failed"`
	BytesTotal     int64 `json:"bytesTotal"`
	BytesCompleted int64 `json:"bytesCompleted"`
}
