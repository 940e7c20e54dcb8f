package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"boxscore_pipeline/platform/apperr"
)

// Request is the resolved unit of work handed to a stage's compute service.
// Exactly one of FullScope or EntityIDs describes the scope; Date is set
// whenever the triggering event carried one.
type Request struct {
	Stage     string   `json:"stage"`
	Date      string   `json:"date,omitempty"`
	EntityIDs []string `json:"entity_ids,omitempty"`
	FullScope bool     `json:"full_scope"`
}

// SourceUsage is one observation the compute service reports back: how many
// rows of a source it found for a scope key, against how many it expected.
type SourceUsage struct {
	Source       string    `json:"source"`
	ScopeKey     string    `json:"scope_key"`
	RowsFound    int64     `json:"rows_found"`
	ExpectedRows int64     `json:"expected_rows"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Result is what one stage execution produced.
type Result struct {
	Usages []SourceUsage `json:"usages"`
	// ContentHash fingerprints the stage's output. Identical output yields
	// an identical hash regardless of when the stage ran.
	ContentHash string `json:"content_hash"`
}

// Executor runs the stage's actual scraping or analytics work. The pipeline
// core never looks inside it; it only cares about the reported usages and
// the output hash.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// HTTPExecutor invokes a compute service over HTTP: the resolved scope is
// POSTed as JSON and the service answers with a Result.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
}

func NewHTTPExecutor(endpoint string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, "encode executor request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, "build executor request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, "executor unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, apperr.Internal(fmt.Sprintf("executor returned %d: %s", resp.StatusCode, snippet))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, "decode executor response", err)
	}

	return result, nil
}
