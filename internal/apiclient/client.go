// Package apiclient implements the table-scoped remote write API.
//
// Every table is exposed under /api/v1/<table>, with underscores replaced by
// dashes: POST creates a row, PUT /<key> updates it and DELETE /<key> removes
// it. Create and update answer with the canonical row.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maruel/corates/internal/models"
	"golang.org/x/oauth2"
)

// Decoder converts wire rows into typed rows.
type Decoder interface {
	DecodeRow(table models.TableName, data map[string]any) (models.Row, error)
}

// Client talks to the remote write API.
type Client struct {
	base *url.URL
	hc   *http.Client
	dec  Decoder
}

// New returns a Client for the API rooted at baseURL. hc should carry the
// credentials, see NewHTTPClient.
func New(baseURL string, hc *http.Client, dec Decoder) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API base URL %q: scheme must be http or https", baseURL)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: u, hc: hc, dec: dec}, nil
}

// NewHTTPClient returns an HTTP client sending token as a bearer credential.
// An empty token returns a client without credentials.
func NewHTTPClient(ctx context.Context, token string) *http.Client {
	if token == "" {
		return &http.Client{}
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

// UserIDFromToken returns the subject of a JWT access token. The signature is
// not verified: the server does that, the client only needs to know who it is.
func UserIDFromToken(token string) (string, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("invalid token subject: %w", err)
	}
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// Create sends a new row and returns the canonical row, which may carry a
// server assigned id.
func (c *Client) Create(ctx context.Context, row models.Row) (models.Row, error) {
	return c.send(ctx, http.MethodPost, row, c.tableURL(row.Table()))
}

// Update sends a modified row and returns the canonical row.
func (c *Client) Update(ctx context.Context, row models.Row) (models.Row, error) {
	return c.send(ctx, http.MethodPut, row, c.rowURL(row.Table(), row.Key()))
}

// Delete removes the row. A row already gone answers with a 404 error.
func (c *Client) Delete(ctx context.Context, table models.TableName, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.rowURL(table, key), nil)
	if err != nil {
		return models.RemoteWrite(table, key, 0, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return models.RemoteWrite(table, key, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return responseError(table, key, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) send(ctx context.Context, method string, row models.Row, u string) (models.Row, error) {
	table, key := row.Table(), row.Key()
	body, err := encodeRow(row)
	if err != nil {
		return nil, models.Validation(table, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, models.RemoteWrite(table, key, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, models.RemoteWrite(table, key, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return nil, responseError(table, key, resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.RemoteWrite(table, key, resp.StatusCode, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		// No canonical row; the server accepted the row as sent.
		return row.WithStatus(models.StatusSynced), nil
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, models.RemoteWrite(table, key, resp.StatusCode, fmt.Errorf("invalid response: %w", err))
	}
	delete(data, "sync_status")
	out, err := c.dec.DecodeRow(table, data)
	if err != nil {
		return nil, models.RemoteWrite(table, key, resp.StatusCode, err)
	}
	return out, nil
}

func (c *Client) tableURL(table models.TableName) string {
	return c.base.JoinPath("api", "v1", TablePath(table)).String()
}

func (c *Client) rowURL(table models.TableName, key string) string {
	return c.base.JoinPath("api", "v1", TablePath(table), key).String()
}

// TablePath returns the URL path segment of table.
func TablePath(table models.TableName) string {
	return strings.ReplaceAll(string(table), "_", "-")
}

// encodeRow returns the JSON body of row, without the local sync status.
func encodeRow(row models.Row) ([]byte, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	delete(m, "sync_status")
	return json.Marshal(m)
}

// errorBody accepts both the structured error envelope and a bare detail.
type errorBody struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Detail string `json:"detail"`
}

func responseError(table models.TableName, key string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := strings.TrimSpace(string(b))
	var eb errorBody
	if json.Unmarshal(b, &eb) == nil {
		switch {
		case eb.Error != nil && eb.Error.Message != "":
			msg = eb.Error.Message
		case eb.Detail != "":
			msg = eb.Detail
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return models.RemoteWrite(table, key, resp.StatusCode, errors.New(msg))
}
