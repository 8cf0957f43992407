package reply

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultQuoteEndpoint is the public quotation source.
	DefaultQuoteEndpoint = "https://api.quotable.io/random"
	// QuoteCommand triggers a quote when it prefixes the input.
	QuoteCommand = "/quote"
	// NoQuoteMessage is returned when the source answers without a full quote.
	NoQuoteMessage = "No quote available."
)

// Quote is the JSON shape returned by the quotation source.
type Quote struct {
	Content string `json:"content"`
	Author  string `json:"author"`
}

// QuoteSource fetches one random quotation.
type QuoteSource interface {
	RandomQuote(ctx context.Context) (Quote, error)
}

// QuoteClient talks to an HTTP quotation endpoint.
type QuoteClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewQuoteClient creates a client for endpoint. A nil httpClient means a
// client without a timeout; the request is bounded only by its context.
func NewQuoteClient(endpoint string, httpClient *http.Client) *QuoteClient {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultQuoteEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &QuoteClient{endpoint: endpoint, httpClient: httpClient}
}

// RandomQuote issues a single GET and decodes the body. The status code is
// not inspected: a body without content/author decodes to an empty Quote.
func (c *QuoteClient) RandomQuote(ctx context.Context) (Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return Quote{}, errors.Wrap(err, "build quote request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Quote{}, errors.Wrap(err, "fetch quote")
	}
	defer resp.Body.Close()

	var q Quote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return Quote{}, errors.Wrapf(err, "decode quote response (status %d)", resp.StatusCode)
	}
	return q, nil
}

// IsQuoteRequest reports whether text asks for a quotation.
func IsQuoteRequest(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return strings.HasPrefix(t, QuoteCommand) || strings.Contains(t, "quote")
}

// FormatQuote renders q as "content — author", or NoQuoteMessage when a field is missing.
func FormatQuote(q Quote) string {
	if q.Content == "" || q.Author == "" {
		return NoQuoteMessage
	}
	return q.Content + " — " + q.Author
}

// ExternalEngine produces network-backed replies for quote-like input.
type ExternalEngine struct {
	quotes QuoteSource
}

// NewExternalEngine wraps a quote source.
func NewExternalEngine(quotes QuoteSource) *ExternalEngine {
	return &ExternalEngine{quotes: quotes}
}

// Reply returns ok=false when text is not a quote request, signalling the
// caller to fall back to the canned Engine. Fetch failures are returned as-is.
func (e *ExternalEngine) Reply(ctx context.Context, text string) (string, bool, error) {
	if !IsQuoteRequest(text) {
		return "", false, nil
	}
	if e.quotes == nil {
		return "", true, errors.New("quote source not configured")
	}

	q, err := e.quotes.RandomQuote(ctx)
	if err != nil {
		return "", true, err
	}

	log.Debug().Str("component", "reply").Str("author", q.Author).Msg("quote fetched")
	return FormatQuote(q), true, nil
}
