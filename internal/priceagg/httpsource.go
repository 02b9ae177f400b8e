package priceagg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPSource fetches a JSON document from an HTTP endpoint and projects a
// scalar USD-per-BTC number out of it via a dot-path selector, e.g.
// "data.amount" or "price".
type HTTPSource struct {
	name     string
	endpoint string
	path     string
	client   *http.Client
}

// NewHTTPSource constructs a price source over a plain HTTP GET/JSON
// endpoint. timeout bounds the individual request; the aggregator also
// enforces its own per-source timeout via context, so this is a belt and
// suspenders ceiling.
func NewHTTPSource(name, endpoint, path string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		name:     name,
		endpoint: endpoint,
		path:     path,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name implements Source.
func (h *HTTPSource) Name() string { return h.name }

// Fetch implements Source.
func (h *HTTPSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}

	if resp.StatusCode >= 400 {
		return decimal.Decimal{}, fmt.Errorf("%s: http status %d: %s", h.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: decode json: %w", h.name, err)
	}

	value, err := selectPath(doc, h.path)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", h.name, err)
	}

	price, err := toDecimal(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", h.name, err)
	}

	if !price.IsPositive() || !isFinite(price) {
		return decimal.Decimal{}, fmt.Errorf("%s: non-positive or non-finite quote: %s", h.name, price.String())
	}

	return price, nil
}

// selectPath walks a dot-separated path ("data.price") through a decoded
// JSON document, indexing into maps and (numerically) into arrays.
func selectPath(doc interface{}, path string) (interface{}, error) {
	if path == "" {
		return doc, nil
	}

	cur := doc
	for _, segment := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]interface{}:
			next, ok := v[segment]
			if !ok {
				return nil, fmt.Errorf("missing field %q", segment)
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index %q", segment)
			}
			cur = v[idx]
		default:
			return nil, fmt.Errorf("cannot descend into %q at %q", segment, path)
		}
	}
	return cur, nil
}

func toDecimal(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		return decimal.NewFromString(v)
	case json.Number:
		return decimal.NewFromString(v.String())
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported field type %T", value)
	}
}

func isFinite(d decimal.Decimal) bool {
	// decimal.Decimal cannot represent NaN/Inf by construction; this
	// guards the rare case an HTTP source sends a string like "NaN" or
	// "Infinity" that slipped through string parsing.
	s := d.String()
	return s != "NaN" && !strings.Contains(s, "Inf")
}
