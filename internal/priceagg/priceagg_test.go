package priceagg

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newTestHTTPSource(t *testing.T, price string, statusCode int) *HTTPSource {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(map[string]string{"price": price})
	}))
	t.Cleanup(srv.Close)
	return NewHTTPSource(srv.URL, srv.URL, "price", time.Second)
}

func TestAggregatorMedianOfSurvivors(t *testing.T) {
	sources := []Source{
		newTestHTTPSource(t, "60000", http.StatusOK),
		newTestHTTPSource(t, "61000", http.StatusOK),
		newTestHTTPSource(t, "62000", http.StatusOK),
	}

	agg := New(sources, DefaultOptions(), noopLogger())
	price, err := agg.FetchReferencePrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.USDPerBTC.Equal(decimal.NewFromInt(61000)) {
		t.Fatalf("expected median 61000, got %s", price.USDPerBTC.String())
	}
	if len(price.Sources) != 3 {
		t.Fatalf("expected 3 surviving sources, got %d", len(price.Sources))
	}
}

func TestAggregatorRejectsOutlier(t *testing.T) {
	sources := []Source{
		newTestHTTPSource(t, "60000", http.StatusOK),
		newTestHTTPSource(t, "61000", http.StatusOK),
		newTestHTTPSource(t, "62000", http.StatusOK),
		newTestHTTPSource(t, "999999", http.StatusOK), // >30% away from the median
	}

	agg := New(sources, DefaultOptions(), noopLogger())
	price, err := agg.FetchReferencePrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range price.Sources {
		if name == sources[3].Name() {
			t.Fatalf("outlier source should have been rejected")
		}
	}
}

func TestAggregatorInsufficientSources(t *testing.T) {
	sources := []Source{
		newTestHTTPSource(t, "60000", http.StatusOK),
		newTestHTTPSource(t, "61000", http.StatusOK),
		newTestHTTPSource(t, "0", http.StatusInternalServerError),
		newTestHTTPSource(t, "0", http.StatusInternalServerError),
		newTestHTTPSource(t, "0", http.StatusInternalServerError),
	}

	agg := New(sources, DefaultOptions(), noopLogger())
	_, err := agg.FetchReferencePrice(context.Background())
	if err == nil {
		t.Fatal("expected insufficient-sources error")
	}
}

func TestAggregatorAllSourcesFailed(t *testing.T) {
	sources := []Source{
		newTestHTTPSource(t, "0", http.StatusInternalServerError),
		newTestHTTPSource(t, "0", http.StatusInternalServerError),
	}

	agg := New(sources, DefaultOptions(), noopLogger())
	_, err := agg.FetchReferencePrice(context.Background())
	if err == nil {
		t.Fatal("expected all-sources-failed error")
	}
}
