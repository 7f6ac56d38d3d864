package replication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"taskist-core/domain"
)

const requestTimeout = 30 * time.Second

// TransportError wraps a failed remote operation. It is confined to the
// engine's state stream and never surfaces through the task-mutation API.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// couchDoc is the wire shape of one task in the remote document store.
type couchDoc struct {
	ID          string   `json:"_id"`
	Rev         string   `json:"_rev,omitempty"`
	Deleted     bool     `json:"_deleted,omitempty"`
	Conflicts   []string `json:"_conflicts,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Completed   bool     `json:"completed"`
	DueDate     string   `json:"dueDate,omitempty"`
	UpdatedAt   int64    `json:"updatedAt"`
	Order       int64    `json:"order"`
}

func docFromTask(t domain.Task) couchDoc {
	return couchDoc{
		ID:          t.ID,
		Deleted:     t.Deleted,
		Title:       t.Title,
		Description: t.Description,
		Completed:   t.Completed,
		DueDate:     t.DueDate,
		UpdatedAt:   t.UpdatedAt,
		Order:       t.Order,
	}
}

func (d couchDoc) task() domain.Task {
	return domain.Task{
		ID:          d.ID,
		Rev:         d.Rev,
		Title:       d.Title,
		Description: d.Description,
		Completed:   d.Completed,
		DueDate:     d.DueDate,
		UpdatedAt:   d.UpdatedAt,
		Order:       d.Order,
		Deleted:     d.Deleted,
	}
}

type changesResponse struct {
	Results []changeResult `json:"results"`
	LastSeq string         `json:"last_seq"`
}

type changeResult struct {
	ID      string    `json:"id"`
	Seq     string    `json:"seq"`
	Deleted bool      `json:"deleted,omitempty"`
	Doc     *couchDoc `json:"doc,omitempty"`
}

// couchClient speaks the CouchDB replication-relevant subset over HTTP with
// basic auth: database creation, per-document reads and writes, and the
// changes feed.
type couchClient struct {
	http *http.Client
	base *url.URL
	user string
	pass string
}

func newCouchClient(s domain.SyncSettings) (*couchClient, error) {
	base, err := url.Parse(normalizeURL(s.URL))
	if err != nil {
		return nil, &domain.ValidationError{Fields: []string{"syncUrl"}}
	}
	return &couchClient{
		http: &http.Client{Timeout: requestTimeout},
		base: base.JoinPath(s.DBName),
		user: s.Username,
		pass: s.Password,
	}, nil
}

func normalizeURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "http://" + raw
}

func (c *couchClient) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" || c.pass != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	return c.http.Do(req)
}

// EnsureDatabase creates the remote database if needed. 412 means it already
// exists, which is just as good.
func (c *couchClient) EnsureDatabase(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPut, c.base.String(), nil)
	if err != nil {
		return transportErr("create database", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusPreconditionFailed {
		return nil
	}
	return transportErr("create database", fmt.Errorf("status %d: %s", resp.StatusCode, readBody(resp)))
}

// GetDoc fetches the current revision of a document, conflict branches
// included. A missing document returns (nil, nil).
func (c *couchClient) GetDoc(ctx context.Context, id string) (*couchDoc, error) {
	u := c.base.JoinPath(id)
	q := u.Query()
	q.Set("conflicts", "true")
	u.RawQuery = q.Encode()
	resp, err := c.do(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, transportErr("get document", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode/100 != 2:
		return nil, transportErr("get document", fmt.Errorf("status %d: %s", resp.StatusCode, readBody(resp)))
	}
	var doc couchDoc
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, transportErr("decode document", err)
	}
	return &doc, nil
}

// GetDocRev fetches one specific revision of a document. Used when resolving
// conflict branches explicitly.
func (c *couchClient) GetDocRev(ctx context.Context, id, rev string) (*couchDoc, error) {
	u := c.base.JoinPath(id)
	q := u.Query()
	q.Set("rev", rev)
	u.RawQuery = q.Encode()
	resp, err := c.do(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, transportErr("get revision", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode/100 != 2:
		return nil, transportErr("get revision", fmt.Errorf("status %d: %s", resp.StatusCode, readBody(resp)))
	}
	var doc couchDoc
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, transportErr("decode revision", err)
	}
	return &doc, nil
}

// PutDoc uploads one document. A 409 reports a concurrent remote write; the
// caller defers to the pull half rather than fighting over the revision.
func (c *couchClient) PutDoc(ctx context.Context, doc couchDoc) (conflict bool, err error) {
	body, err := sonic.ConfigStd.Marshal(doc)
	if err != nil {
		return false, transportErr("encode document", err)
	}
	resp, err := c.do(ctx, http.MethodPut, c.base.JoinPath(doc.ID).String(), body)
	if err != nil {
		return false, transportErr("put document", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusConflict:
		return true, nil
	case resp.StatusCode/100 != 2:
		return false, transportErr("put document", fmt.Errorf("status %d: %s", resp.StatusCode, readBody(resp)))
	}
	return false, nil
}

// DeleteRev removes a losing conflict branch. Already-gone branches are fine.
func (c *couchClient) DeleteRev(ctx context.Context, id, rev string) error {
	u := c.base.JoinPath(id)
	q := u.Query()
	q.Set("rev", rev)
	u.RawQuery = q.Encode()
	resp, err := c.do(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return transportErr("delete revision", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNotFound, http.StatusConflict:
		return nil
	}
	return transportErr("delete revision", fmt.Errorf("status %d: %s", resp.StatusCode, readBody(resp)))
}

// Changes fetches the remote change feed from the given sequence checkpoint,
// with documents and conflict markers included.
func (c *couchClient) Changes(ctx context.Context, since string) (*changesResponse, error) {
	u := c.base.JoinPath("_changes")
	q := u.Query()
	q.Set("include_docs", "true")
	q.Set("conflicts", "true")
	if since == "" {
		since = "0"
	}
	q.Set("since", since)
	u.RawQuery = q.Encode()
	resp, err := c.do(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, transportErr("fetch changes", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, transportErr("fetch changes", fmt.Errorf("status %d: %s", resp.StatusCode, readBody(resp)))
	}
	var changes changesResponse
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&changes); err != nil {
		return nil, transportErr("decode changes", err)
	}
	return &changes, nil
}

func readBody(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
