//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchkit/tax-engine/internal/domain/document"
	"github.com/merchkit/tax-engine/internal/domain/money"
	"github.com/merchkit/tax-engine/internal/domain/tax"
	"github.com/merchkit/tax-engine/internal/httpapi"
	"github.com/merchkit/tax-engine/internal/storage/postgres"
	"github.com/merchkit/tax-engine/internal/tax/flatrate"
	"github.com/merchkit/tax-engine/internal/tax/provider"
	"github.com/merchkit/tax-engine/internal/tax/providercache"
	"github.com/merchkit/tax-engine/internal/tax/recalc"
)

func eur(s string) money.Money {
	return money.New(decimal.RequireFromString(s), "EUR")
}

func newTestDoc(t *testing.T) *document.Document {
	t.Helper()

	doc := &document.Document{
		Token:    "it-" + uuid.NewString(),
		Currency: "EUR",
		Country:  "DE",
		State:    document.StateStale,
		Discount: eur("0"),
		Lines: []document.Line{
			{
				ID: uuid.NewString(), SKU: "WIDGET", Quantity: 2,
				BaseUnitPrice: eur("10.00"), ChargeTaxes: true,
				ProductTaxClassID: "standard",
			},
			{
				ID: uuid.NewString(), SKU: "NOVEL", Quantity: 1,
				BaseUnitPrice: eur("10.00"), ChargeTaxes: true,
				ProductTaxClassID: "reduced-books",
			},
		},
	}
	require.NoError(t, postgres.NewDocumentRepository(pool).Save(context.Background(), doc))
	return doc
}

// newAPI wires storage, the strategy chain, and the HTTP handler the way
// internal/app does, optionally with an external provider endpoint.
func newAPI(providerEndpoint string) (*httptest.Server, *recalc.Engine, document.Repository) {
	classes := postgres.NewTaxClassRepository(pool)
	countries := postgres.NewCountryRateTable(pool)
	flat := flatrate.NewStrategy(flatrate.NewResolver(classes, countries), flatrate.Config{})

	client := provider.NewClient("test-provider", provider.StaticCredentials{
		Endpoint: providerEndpoint,
		APIKey:   "test-key",
	}, nil, 0)
	cache := providercache.New(providercache.NewMemoryBackend(), client, 0, 0)
	providerStrategy := provider.NewStrategy("test-provider", cache, providerEndpoint != "")

	engine := recalc.New(tax.NewChain(providerStrategy, flat), recalc.Config{})
	documents := postgres.NewDocumentRepository(pool)

	router := chi.NewRouter()
	httpapi.NewHandler(documents, engine).Routes(router)
	return httptest.NewServer(router), engine, documents
}

func TestFlatRatePricingFromSeededTables(t *testing.T) {
	seedRates(t)
	doc := newTestDoc(t)
	srv, _, documents := newAPI("")
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/documents/"+doc.Token+"/recalculate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Total struct {
			Net   decimal.Decimal `json:"net"`
			Gross decimal.Decimal `json:"gross"`
		} `json:"total"`
		Degraded   bool `json:"degraded"`
		Recomputed bool `json:"recomputed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))

	// 20.00 @ 19% + 10.00 @ 7%.
	assert.True(t, got.Total.Net.Equal(decimal.RequireFromString("30.00")), "net %s", got.Total.Net)
	assert.True(t, got.Total.Gross.Equal(decimal.RequireFromString("34.50")), "gross %s", got.Total.Gross)
	assert.True(t, got.Recomputed)
	assert.False(t, got.Degraded)

	// Writeback: reloading yields a fresh document with stored prices.
	stored, err := documents.Load(context.Background(), doc.Token)
	require.NoError(t, err)
	assert.Equal(t, document.StateFresh, stored.State)
	assert.True(t, stored.StoredTotal.Gross.Amount.Equal(decimal.RequireFromString("34.50")))
	assert.True(t, stored.Lines[0].StoredTotal.Gross.Amount.Equal(decimal.RequireFromString("23.80")))
	assert.True(t, stored.Lines[0].StoredRate.Equal(decimal.RequireFromString("0.19")))
}

func TestDiscountProrationPersists(t *testing.T) {
	seedRates(t)
	doc := newTestDoc(t)
	doc.Discount = eur("3.00")
	require.NoError(t, postgres.NewDocumentRepository(pool).Save(context.Background(), doc))

	srv, _, documents := newAPI("")
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/documents/"+doc.Token+"/recalculate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := documents.Load(context.Background(), doc.Token)
	require.NoError(t, err)

	// Gross-weighted shares of 3.00 over 23.80/10.70: 2.07 + 0.93.
	assert.True(t, stored.Lines[0].StoredTotal.Gross.Amount.Equal(decimal.RequireFromString("21.73")),
		"line0 gross %s", stored.Lines[0].StoredTotal.Gross.Amount)
	assert.True(t, stored.Lines[1].StoredTotal.Gross.Amount.Equal(decimal.RequireFromString("9.77")),
		"line1 gross %s", stored.Lines[1].StoredTotal.Gross.Amount)
	assert.True(t, stored.StoredTotal.Gross.Amount.Equal(decimal.RequireFromString("31.50")),
		"total gross %s", stored.StoredTotal.Gross.Amount)
	assert.True(t, stored.StoredUndiscountedTotal.Gross.Amount.Equal(decimal.RequireFromString("34.50")))
}

func TestPostalRateOverridesCountryDefault(t *testing.T) {
	seedRates(t)
	// Helgoland is outside the German VAT area: 0% despite the 19% default.
	_, err := pool.Exec(context.Background(),
		`INSERT INTO postal_rates (country, postal_code, rate) VALUES ($1, $2, $3)
		 ON CONFLICT (country, postal_code) DO UPDATE SET rate = EXCLUDED.rate`,
		"DE", "27498", "0")
	require.NoError(t, err)

	doc := &document.Document{
		Token:           "it-" + uuid.NewString(),
		Currency:        "EUR",
		Country:         "DE",
		State:           document.StateStale,
		Discount:        eur("0"),
		ShippingAddress: &document.Address{Line1: "Am Südstrand 1", City: "Helgoland", PostalCode: "27498", Country: "DE"},
		Lines: []document.Line{
			// No tax class: the destination's default rate decides.
			{ID: uuid.NewString(), SKU: "WIDGET", Quantity: 2, BaseUnitPrice: eur("10.00"), ChargeTaxes: true},
		},
	}
	require.NoError(t, postgres.NewDocumentRepository(pool).Save(context.Background(), doc))

	srv, _, documents := newAPI("")
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/documents/"+doc.Token+"/recalculate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := documents.Load(context.Background(), doc.Token)
	require.NoError(t, err)
	assert.True(t, stored.StoredTotal.Gross.Amount.Equal(decimal.RequireFromString("20.00")),
		"total gross %s", stored.StoredTotal.Gross.Amount)
	assert.True(t, stored.StoredTotal.Net.Amount.Equal(stored.StoredTotal.Gross.Amount),
		"a zero postal rate must leave the document untaxed")
}

func TestProviderPricingWinsOverFlatRates(t *testing.T) {
	seedRates(t)
	doc := newTestDoc(t)

	var calls int
	providerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		// A jurisdiction the flat tables do not know: 5% on everything.
		_, _ = w.Write([]byte(`{"lines":[
			{"item_code":"WIDGET","net":"20.00","gross":"21.00","rate":"0.05"},
			{"item_code":"NOVEL","net":"10.00","gross":"10.50","rate":"0.05"}
		]}`))
	}))
	defer providerSrv.Close()

	srv, _, documents := newAPI(providerSrv.URL)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/documents/"+doc.Token+"/recalculate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := documents.Load(context.Background(), doc.Token)
	require.NoError(t, err)
	assert.True(t, stored.StoredTotal.Gross.Amount.Equal(decimal.RequireFromString("31.50")),
		"total gross %s", stored.StoredTotal.Gross.Amount)
	assert.Equal(t, 1, calls, "identical per-question requests must hit the cache")
}

func TestUnknownDocumentIs404(t *testing.T) {
	srv, _, _ := newAPI("")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/documents/does-not-exist/total")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
