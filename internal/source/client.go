// Package source is the client for the ticketing backend: paginated ticket
// listing, comment/attachment fetches, raw downloads, and the comment-append
// and redaction mutations the pipeline needs.
package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/attic-io/attic/internal/retry"
)

// ErrTicketGone marks a ticket that no longer exists at the source. Callers
// count it as "deleted", not as an error.
var ErrTicketGone = errors.New("source: ticket gone")

const (
	requestTimeout       = 30 * time.Second
	retryAfterFallback   = 15 * time.Second
	listingRetryAttempts = 5
	pageSize             = 100
)

// Config holds source credentials. Subdomain, Email and APIToken are
// required; BaseURL overrides the derived API root (used in tests).
type Config struct {
	Subdomain string
	Email     string
	APIToken  string
	BaseURL   string
}

// Client talks to one tenant's ticketing backend.
type Client struct {
	baseURL   string
	host      string
	auth      string
	httpc     *http.Client
	logger    *slog.Logger
	listRetry retry.Policy // bounded: full listings fail loudly
	scanRetry retry.Policy // unbounded: per-ticket scan loops run unattended
}

// New validates credentials and builds a client. Missing credentials are a
// configuration error and abort the run.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Subdomain == "" || cfg.Email == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("source: subdomain, email and api token are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	creds := base64.StdEncoding.EncodeToString([]byte(cfg.Email + "/token:" + cfg.APIToken))
	baseURL := cfg.BaseURL
	host := fmt.Sprintf("https://%s.zendesk.com", cfg.Subdomain)
	if baseURL == "" {
		baseURL = host + "/api/v2"
	} else {
		host = strings.TrimSuffix(baseURL, "/api/v2")
	}
	return &Client{
		baseURL:   baseURL,
		host:      host,
		auth:      "Basic " + creds,
		httpc:     &http.Client{Timeout: requestTimeout},
		logger:    logger,
		listRetry: retry.Policy{MaxAttempts: listingRetryAttempts, Initial: 2 * time.Second, Max: time.Minute},
		scanRetry: retry.Policy{Initial: 5 * time.Second, Max: 2 * time.Minute},
	}, nil
}

// ticketPage is the cursor-paginated listing payload.
type ticketPage struct {
	Tickets []Ticket `json:"tickets"`
	Meta    struct {
		HasMore     bool   `json:"has_more"`
		AfterCursor string `json:"after_cursor"`
	} `json:"meta"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// ListTickets fetches every ticket via cursor pagination. Rate-limit retries
// are bounded; a persistent failure surfaces as an error.
func (c *Client) ListTickets(ctx context.Context) ([]Ticket, error) {
	var all []Ticket
	url := fmt.Sprintf("%s/tickets.json?page[size]=%d", c.baseURL, pageSize)
	for url != "" {
		var page ticketPage
		if err := c.getJSON(ctx, url, c.listRetry, &page); err != nil {
			return nil, fmt.Errorf("source: list tickets: %w", err)
		}
		all = append(all, page.Tickets...)
		if !page.Meta.HasMore {
			break
		}
		url = page.Links.Next
	}
	c.logger.Debug("ticket listing complete", "count", len(all))
	return all, nil
}

// incrementalPage is the time-window export payload.
type incrementalPage struct {
	Tickets     []Ticket `json:"tickets"`
	NextPage    string   `json:"next_page"`
	EndOfStream bool     `json:"end_of_stream"`
}

// IncrementalTickets fetches tickets updated at or after since.
func (c *Client) IncrementalTickets(ctx context.Context, since time.Time) ([]Ticket, error) {
	var all []Ticket
	url := fmt.Sprintf("%s/incremental/tickets.json?start_time=%d", c.baseURL, since.Unix())
	for {
		var page incrementalPage
		if err := c.getJSON(ctx, url, c.listRetry, &page); err != nil {
			return nil, fmt.Errorf("source: incremental tickets: %w", err)
		}
		all = append(all, page.Tickets...)
		if page.EndOfStream || page.NextPage == "" {
			break
		}
		url = page.NextPage
	}
	return all, nil
}

// GetTicket fetches a single ticket. A 404 maps to ErrTicketGone.
func (c *Client) GetTicket(ctx context.Context, id int64) (*Ticket, error) {
	var payload struct {
		Ticket Ticket `json:"ticket"`
	}
	url := fmt.Sprintf("%s/tickets/%d.json", c.baseURL, id)
	if err := c.getJSON(ctx, url, c.scanRetry, &payload); err != nil {
		return nil, err
	}
	return &payload.Ticket, nil
}

// Comments fetches a ticket's comments with their attachment records.
// A 404 maps to ErrTicketGone.
func (c *Client) Comments(ctx context.Context, ticketID int64) ([]Comment, error) {
	var payload struct {
		Comments []Comment `json:"comments"`
	}
	url := fmt.Sprintf("%s/tickets/%d/comments.json", c.baseURL, ticketID)
	if err := c.getJSON(ctx, url, c.scanRetry, &payload); err != nil {
		return nil, err
	}
	return payload.Comments, nil
}

// Download fetches raw bytes for a content URL. Relative URLs (as they
// appear in inline image tags) are resolved against the source host.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.HasPrefix(rawURL, "/") {
		rawURL = c.host + rawURL
	}
	var data []byte
	err := c.scanRetry.Do(ctx, transient, func() error {
		resp, err := c.do(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		data, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("source: download %s: %w", rawURL, err)
	}
	return data, nil
}

// AddComment appends a comment to a ticket. The source rejects updates to
// closed tickets; that rejection is treated as a no-op success because the
// ticket content is immutable, not wrong.
func (c *Client) AddComment(ctx context.Context, ticketID int64, htmlBody string, public bool) error {
	body := map[string]any{
		"ticket": map[string]any{
			"comment": map[string]any{
				"html_body": htmlBody,
				"public":    public,
			},
		},
	}
	url := fmt.Sprintf("%s/tickets/%d.json", c.baseURL, ticketID)
	err := c.mutate(ctx, http.MethodPut, url, body)
	if err != nil {
		return fmt.Errorf("source: add comment to ticket %d: %w", ticketID, err)
	}
	return nil
}

// RedactAttachment destructively replaces an attachment's bytes with a
// placeholder, server side. Works against the comment redaction endpoint so
// that the mutation succeeds on archived tickets too.
func (c *Client) RedactAttachment(ctx context.Context, ticketID, commentID int64, contentURL string) error {
	body := map[string]any{
		"ticket_id":                ticketID,
		"external_attachment_urls": []string{contentURL},
	}
	url := fmt.Sprintf("%s/comment_redactions/%d.json", c.baseURL, commentID)
	if err := c.mutate(ctx, http.MethodPut, url, body); err != nil {
		return fmt.Errorf("source: redact attachment on ticket %d: %w", ticketID, err)
	}
	return nil
}

// --- transport helpers ---

// getJSON performs a GET with rate-limit handling under the given policy and
// decodes the body into out. 404 maps to ErrTicketGone.
func (c *Client) getJSON(ctx context.Context, url string, policy retry.Policy, out any) error {
	return policy.Do(ctx, transient, func() error {
		resp, err := c.do(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrTicketGone
		case resp.StatusCode != http.StatusOK:
			return statusError(resp)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// mutate performs a write with unbounded rate-limit retries. A 422 means the
// ticket is in an immutable state; that is logged and swallowed.
func (c *Client) mutate(ctx context.Context, method, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.scanRetry.Do(ctx, transient, func() error {
		resp, err := c.do(ctx, method, url, payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrTicketGone
		case resp.StatusCode == http.StatusUnprocessableEntity:
			// Closed/archived ticket: the bytes are already offloaded, the
			// source record simply stays as-is.
			c.logger.Debug("mutation skipped, ticket immutable", "url", url)
			return nil
		case resp.StatusCode >= 300:
			return statusError(resp)
		}
		return nil
	})
}

// do issues one request, transparently honoring 429 Retry-After before
// handing the response back. The sleep counts against nothing: rate limiting
// is transient by definition.
func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	for {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", c.auth)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}
		wait := retryAfter(resp)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		c.logger.Warn("rate limited", "url", url, "wait", wait)
		if err := retry.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return retryAfterFallback
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &httpError{status: resp.StatusCode, body: strings.TrimSpace(string(b))}
}

// transient reports whether an error is worth retrying: network failures and
// server-side errors, but not client errors or a vanished ticket.
func transient(err error) bool {
	if errors.Is(err, ErrTicketGone) {
		return false
	}
	var he *httpError
	if errors.As(err, &he) {
		return he.status >= 500
	}
	return true
}
