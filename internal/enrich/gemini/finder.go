// Package gemini finds company contacts with Gemini and Google Search
// grounding.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/genai"

	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/enrich"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-2.5-flash"

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL, for proxies and tests.
	BaseURL string
}

// Finder implements enrich.Finder.
type Finder struct {
	client *genai.Client
	model  string
}

var _ enrich.Finder = (*Finder)(nil)

func New(ctx context.Context, cfg Config) (*Finder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("GEMINI_API_KEY is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		cc.HTTPOptions.BaseURL = u
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Finder{client: client, model: model}, nil
}

type responseSchema struct {
	Contacts []enrich.Contact `json:"contacts"`
}

var contactSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"first_name":   {Type: genai.TypeString},
		"last_name":    {Type: genai.TypeString},
		"company_name": {Type: genai.TypeString},
		"linkedin_url": {Type: genai.TypeString},
		"email":        {Type: genai.TypeString},
	},
	Required: []string{"first_name", "last_name", "company_name", "linkedin_url", "email"},
}

var outputSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"contacts": {Type: genai.TypeArray, Items: contactSchema},
	},
	Required: []string{"contacts"},
}

func (f *Finder) FindContacts(ctx context.Context, domain string) ([]enrich.Contact, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil, errors.New("empty domain")
	}

	resp, err := f.client.Models.GenerateContent(
		ctx,
		f.model,
		genai.Text(buildPrompt(domain)),
		&genai.GenerateContentConfig{
			Tools: []*genai.Tool{
				{GoogleSearch: &genai.GoogleSearch{}},
			},
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   outputSchema,
		},
	)
	if err != nil {
		return nil, classifyErr(err)
	}
	return parseContacts(resp.Text())
}

func parseContacts(text string) ([]enrich.Contact, error) {
	var parsed responseSchema
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("gemini: parse structured json: %w", err)
	}
	out := make([]enrich.Contact, 0, len(parsed.Contacts))
	for _, c := range parsed.Contacts {
		c = enrich.Contact{
			FirstName:   strings.TrimSpace(c.FirstName),
			LastName:    strings.TrimSpace(c.LastName),
			CompanyName: strings.TrimSpace(c.CompanyName),
			LinkedInURL: strings.TrimSpace(c.LinkedInURL),
			Email:       strings.TrimSpace(c.Email),
		}
		if !c.Empty() {
			out = append(out, c)
		}
	}
	return out, nil
}

func buildPrompt(domain string) string {
	return strings.TrimSpace(`
You are a B2B research tool. Given a company website domain, use web search to find the company and decision makers who work there (founders, executives, heads of sales, marketing or engineering).

Return ONLY a single JSON object with one key, "contacts": a list of objects with these keys:
- first_name (string)
- last_name (string)
- company_name (string)
- linkedin_url (string)
- email (string)

Rules:
- List the most senior relevant person first.
- If you cannot find a field, set it to an empty string.
- Return an empty list if you find nobody. Do not invent people.

Company domain: ` + domain + `
`)
}

// classifyErr marks rate limits, server errors and temporary network errors
// as transient.
func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return backend.Transient(err)
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
		return backend.Transient(err)
	}
	return err
}
