package types

// ResourceType classifies an observed network resource.
type ResourceType string

const (
	TypeDocument   ResourceType = "document"
	TypeStylesheet ResourceType = "stylesheet"
	TypeScript     ResourceType = "script"
	TypeImage      ResourceType = "image"
	TypeFont       ResourceType = "font"
	TypeAudio      ResourceType = "audio"
	TypeXHR        ResourceType = "xhr"
	TypeFetch      ResourceType = "fetch"
	TypeJSON       ResourceType = "json"
	TypeOther      ResourceType = "other"
)

// RecordState is the capture status of a ResourceRecord.
type RecordState string

const (
	StateInProgress RecordState = "in-progress"
	StateSuccess    RecordState = "success"
	StateFailed     RecordState = "failed"
	StateSkipped    RecordState = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s RecordState) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateSkipped
}

// CanTransition reports whether a record may move from s to next.
// States only move forward: in-progress -> terminal, never back.
func (s RecordState) CanTransition(next RecordState) bool {
	if s == next {
		return true
	}
	if s == "" {
		return true
	}
	return s == StateInProgress && next.Terminal()
}

// Normalized is the canonical identity and export path of a URL.
type Normalized struct {
	OriginalURL          string `json:"originalUrl"`
	NormalizedURL        string `json:"normalizedUrl"`
	Host                 string `json:"host"`
	Pathname             string `json:"pathname"`
	QueryHashSuffix      string `json:"queryHashSuffix,omitempty"`
	RelativePathFromRoot string `json:"relativePathFromRoot"`
}

// ResourceRecord is one observed network resource. It is the element type of
// the persisted index.json array.
type ResourceRecord struct {
	ID            string       `json:"id"`
	Type          ResourceType `json:"type"`
	URL           string       `json:"url"`
	Normalized    Normalized   `json:"normalized"`
	Method        string       `json:"method"`
	StatusCode    int          `json:"statusCode,omitempty"`
	MimeType      string       `json:"mimeType,omitempty"`
	ContentLength int64        `json:"contentLength,omitempty"`
	SizeOnDisk    int64        `json:"sizeOnDisk,omitempty"`
	StartedAt     int64        `json:"startedAt"`
	FinishedAt    int64        `json:"finishedAt,omitempty"`
	State         RecordState  `json:"state"`
	Referrer      string       `json:"referrer,omitempty"`
	ErrorMessage  string       `json:"errorMessage,omitempty"`
	OriginHost    string       `json:"originHost"`
	TempFilePath  string       `json:"tempFilePath,omitempty"`
	FinalFilePath string       `json:"finalFilePath,omitempty"`
}

// ObservedResource is the single inbound event emitted by the host browser
// surface when a request completes.
type ObservedResource struct {
	URL          string
	Method       string
	StatusCode   int
	Headers      map[string]string
	ResourceType string
	Referrer     string

	// Body holds the response bytes when the host captured them inline.
	Body []byte
}

// Header returns the first value of a response header, matched
// case-insensitively.
func (o ObservedResource) Header(name string) string {
	return HeaderValue(o.Headers, name)
}

// LiveSummary is the derived statistic shown next to a records snapshot.
type LiveSummary struct {
	Total  int   `json:"total"`
	OK     int   `json:"ok"`
	Failed int   `json:"failed"`
	Bytes  int64 `json:"bytes"`
}

// Summarize derives a LiveSummary from a record set. Bytes prefers the
// on-disk size and falls back to the advertised content length.
func Summarize(records []ResourceRecord) LiveSummary {
	s := LiveSummary{Total: len(records)}
	for _, r := range records {
		switch r.State {
		case StateSuccess:
			s.OK++
		case StateFailed:
			s.Failed++
		}
		if r.SizeOnDisk > 0 {
			s.Bytes += r.SizeOnDisk
		} else if r.ContentLength > 0 {
			s.Bytes += r.ContentLength
		}
	}
	return s
}
