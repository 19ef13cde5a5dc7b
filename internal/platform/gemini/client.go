// Package gemini runs schema-constrained content generation against the
// Gemini API through the google.golang.org/genai SDK.
package gemini

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/"
	DefaultModel   = "gemini-3-flash-preview"
)

var (
	// ErrModelUnavailable replaces "not found" answers from the API, which
	// in practice mean a wrong model name, key or billing setup.
	ErrModelUnavailable = errors.New("gemini model not found or not permitted for this api key")
	ErrMissingAPIKey    = errors.New("gemini api key is not configured")
)

type Config struct {
	Model   string
	BaseURL string
	// Timeout bounds a whole request. Zero means no timeout.
	Timeout time.Duration
	// APIKey is consulted on every request so a key rotated in the
	// environment is picked up without a restart. Defaults to reading
	// GEMINI_API_KEY.
	APIKey func() string
}

type Client struct {
	model      string
	baseURL    string
	apiKey     func() string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	apiKey := cfg.APIKey
	if apiKey == nil {
		apiKey = func() string { return os.Getenv("GEMINI_API_KEY") }
	}
	return &Client{
		model:      model,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) Model() string {
	return c.model
}

// Request is one document plus an instruction, answered as JSON that
// conforms to Schema.
type Request struct {
	Data     []byte
	MimeType string
	Prompt   string
	Schema   *genai.Schema
}

// GenerateJSON sends req and returns the JSON text of the first candidate,
// stripped of any markdown fence. An empty answer yields an empty slice and
// no error. The SDK client is built per call with the key current at that
// moment.
func (c *Client) GenerateJSON(ctx context.Context, req Request) ([]byte, error) {
	key := c.apiKey()
	if key == "" {
		return nil, ErrMissingAPIKey
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  c.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: c.baseURL},
	})
	if err != nil {
		return nil, err
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(req.Data, req.MimeType),
			genai.NewPartFromText(req.Prompt),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   req.Schema,
	}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		apiErr, isAPI := asAPIError(err)
		code := 0
		if isAPI {
			code = apiErr.Code
		}
		recordGeminiMetric(ctx, c.model, code, time.Since(start), err)
		if isAPI && notFound(apiErr) {
			return nil, ErrModelUnavailable
		}
		return nil, err
	}

	recordGeminiMetric(ctx, c.model, http.StatusOK, time.Since(start), nil)
	return []byte(stripFence(resp.Text())), nil
}

func asAPIError(err error) (genai.APIError, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return genai.APIError{}, false
}

func notFound(e genai.APIError) bool {
	return e.Code == http.StatusNotFound ||
		e.Status == "NOT_FOUND" ||
		strings.Contains(e.Message, "Requested entity was not found")
}

func stripFence(s string) string {
	cleaned := strings.TrimSpace(s)
	if strings.HasPrefix(cleaned, "```json") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimSuffix(cleaned, "```")
	} else if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(cleaned, "```")
	}
	return strings.TrimSpace(cleaned)
}
