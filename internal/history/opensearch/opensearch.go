package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/cdathome/internal/history"
)

// Sink sends events to OpenSearch via HTTP.
// It constructs URL as: baseURL + "/" + index + "/_doc" and POSTs JSON body.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// document flattens an event for indexing; sql.Null types do not map well.
type document struct {
	Type       history.EventType `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Session    string            `json:"session"`
	Name       string            `json:"name,omitempty"`
	PID        int               `json:"pid,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	StoppedAt  *time.Time        `json:"stopped_at,omitempty"`
	ExitCode   int               `json:"exit_code"`
	ExitErr    string            `json:"exit_err,omitempty"`
	Commits    []string          `json:"commits,omitempty"`
	Message    string            `json:"message,omitempty"`
	Uniq       string            `json:"uniq"`
}

func toDocument(e history.Event) document {
	rec := e.Record
	d := document{
		Type:       e.Type,
		OccurredAt: e.OccurredAt.UTC(),
		Session:    e.Session,
		Name:       rec.Name,
		PID:        rec.PID,
		ExitCode:   rec.ExitCode,
		Commits:    rec.Commits,
		Message:    e.Message,
		Uniq:       rec.Key(),
	}
	if !rec.StartedAt.IsZero() {
		t := rec.StartedAt.UTC()
		d.StartedAt = &t
	}
	if rec.StoppedAt.Valid {
		t := rec.StoppedAt.Time.UTC()
		d.StoppedAt = &t
	}
	if rec.ExitErr.Valid {
		d.ExitErr = rec.ExitErr.String
	}
	return d
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	b, err := json.Marshal(toDocument(e))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
