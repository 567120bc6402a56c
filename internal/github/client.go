package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the host answers 404 for a tree or blob.
var ErrNotFound = errors.New("github: not found")

// StatusError reports a non-success response other than 404.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("github %s: status %d", e.Op, e.StatusCode)
}

// Entry types reported in a git tree.
const (
	EntryBlob = "blob"
	EntryTree = "tree"
)

// TreeEntry is one node of a recursive git tree listing.
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Tree is a recursive listing for one branch.
type Tree struct {
	SHA       string      `json:"sha"`
	Entries   []TreeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

// FileContent is a blob as returned by the git data API.
type FileContent struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// Client talks to the GitHub REST API with a caller supplied bearer token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxBytes   int64
}

// NewClient builds a client. timeout bounds every request, maxBytes caps response bodies.
func NewClient(baseURL string, timeout time.Duration, maxBytes int64) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxBytes == 0 {
		maxBytes = 2 * 1024 * 1024
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}
}

// GetTree fetches the recursive tree of branch.
func (c *Client) GetTree(ctx context.Context, token, owner, repo, branch string) (Tree, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1",
		c.baseURL, url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(branch))

	var tree Tree
	if err := c.getJSON(ctx, "get tree", endpoint, token, &tree); err != nil {
		return Tree{}, err
	}
	return tree, nil
}

// GetFileContent fetches a blob by its API url and decodes it to text.
// Bytes that are not valid UTF-8 are dropped.
func (c *Client) GetFileContent(ctx context.Context, token, blobURL string) (string, error) {
	var blob FileContent
	if err := c.getJSON(ctx, "get blob", blobURL, token, &blob); err != nil {
		return "", err
	}
	return Decode(blob)
}

// Decode returns the text of a blob, decoding base64 payloads.
func Decode(blob FileContent) (string, error) {
	if !strings.EqualFold(blob.Encoding, "base64") {
		return strings.ToValidUTF8(blob.Content, ""), nil
	}
	// the API wraps base64 payloads at 60 columns
	clean := strings.NewReplacer("\n", "", "\r", "").Replace(blob.Content)
	raw, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return "", fmt.Errorf("decode blob: %w", err)
	}
	return strings.ToValidUTF8(string(raw), ""), nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github %s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return &StatusError{Op: op, StatusCode: resp.StatusCode}
	}

	limited := io.LimitReader(resp.Body, c.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("github %s: read body: %w", op, err)
	}
	if int64(len(body)) > c.maxBytes {
		return fmt.Errorf("github %s: response too large (>%d bytes)", op, c.maxBytes)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("github %s: decode: %w", op, err)
	}
	return nil
}
