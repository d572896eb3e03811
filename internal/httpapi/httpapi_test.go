package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchkit/tax-engine/internal/domain/document"
	"github.com/merchkit/tax-engine/internal/domain/money"
	"github.com/merchkit/tax-engine/internal/domain/tax"
	"github.com/merchkit/tax-engine/internal/tax/recalc"
)

// memRepo is an in-memory document.Repository for handler tests.
type memRepo struct {
	docs       map[string]*document.Document
	savedCalls int
}

func newMemRepo(docs ...*document.Document) *memRepo {
	r := &memRepo{docs: make(map[string]*document.Document)}
	for _, d := range docs {
		r.docs[d.Token] = d
	}
	return r
}

func (r *memRepo) Load(_ context.Context, token string) (*document.Document, error) {
	doc, ok := r.docs[token]
	if !ok {
		return nil, document.ErrNotFound
	}
	return doc, nil
}

func (r *memRepo) Save(_ context.Context, doc *document.Document) error {
	r.docs[doc.Token] = doc
	return nil
}

func (r *memRepo) SavePrices(_ context.Context, doc *document.Document) error {
	if _, ok := r.docs[doc.Token]; !ok {
		return document.ErrNotFound
	}
	r.savedCalls++
	return nil
}

// tenPercent taxes every question at 10%, net-entered prices.
type tenPercent struct{}

func (tenPercent) Name() string  { return "fixed_rate" }
func (tenPercent) Enabled() bool { return true }

func (tenPercent) Compute(_ context.Context, req tax.Request, previous money.TaxedAmount) (money.TaxedAmount, error) {
	if previous.IsTaxed() {
		return previous, nil
	}
	base := req.Base()
	gross := base.Mul(decimal.RequireFromString("1.1")).Round()
	return money.TaxedAmount{Net: base, Gross: gross}, nil
}

func usd(s string) money.Money {
	return money.New(decimal.RequireFromString(s), "USD")
}

func testDoc() *document.Document {
	return &document.Document{
		Token:    "doc-1",
		Currency: "USD",
		Country:  "US",
		State:    document.StateStale,
		Discount: usd("0"),
		Lines: []document.Line{
			{ID: "l1", SKU: "sku-1", Quantity: 2, BaseUnitPrice: usd("10.00"), ChargeTaxes: true},
			{ID: "l2", SKU: "sku-2", Quantity: 1, BaseUnitPrice: usd("5.00"), ChargeTaxes: true},
		},
	}
}

func newServer(repo document.Repository) *httptest.Server {
	engine := recalc.New(tax.NewChain(tenPercent{}), recalc.Config{})
	h := NewHandler(repo, engine)
	r := chi.NewRouter()
	h.Routes(r)
	return httptest.NewServer(r)
}

func get(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestTotalEndpoint(t *testing.T) {
	srv := newServer(newMemRepo(testDoc()))
	defer srv.Close()

	var got taxedJSON
	status := get(t, srv.URL+"/v1/documents/doc-1/total", &got)

	assert.Equal(t, http.StatusOK, status)
	assert.True(t, got.Net.Equal(decimal.RequireFromString("25.00")), "net %s", got.Net)
	assert.True(t, got.Gross.Equal(decimal.RequireFromString("27.50")), "gross %s", got.Gross)
	assert.True(t, got.Tax.Equal(decimal.RequireFromString("2.50")), "tax %s", got.Tax)
	assert.Equal(t, "USD", got.Currency)
}

func TestLineEndpoint(t *testing.T) {
	srv := newServer(newMemRepo(testDoc()))
	defer srv.Close()

	var got lineJSON
	status := get(t, srv.URL+"/v1/documents/doc-1/lines/l1", &got)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "l1", got.LineID)
	assert.True(t, got.Total.Gross.Equal(decimal.RequireFromString("22.00")))
	assert.True(t, got.Unit.Gross.Equal(decimal.RequireFromString("11.00")))
	assert.True(t, got.Rate.Equal(decimal.RequireFromString("0.10")), "rate %s", got.Rate)
}

func TestUnknownTokenIs404(t *testing.T) {
	srv := newServer(newMemRepo())
	defer srv.Close()

	var got errorJSON
	status := get(t, srv.URL+"/v1/documents/nope/total", &got)

	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "document not found", got.Message)
}

func TestUnknownLineIs404(t *testing.T) {
	srv := newServer(newMemRepo(testDoc()))
	defer srv.Close()

	var got errorJSON
	status := get(t, srv.URL+"/v1/documents/doc-1/lines/missing", &got)

	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "line not found", got.Message)
}

func TestValidationErrorIs422(t *testing.T) {
	doc := testDoc()
	doc.Lines = nil
	srv := newServer(newMemRepo(doc))
	defer srv.Close()

	var got errorJSON
	status := get(t, srv.URL+"/v1/documents/doc-1/total", &got)

	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, document.ErrNoLines.Error(), got.Message)
}

func TestRecalculateEndpoint(t *testing.T) {
	repo := newMemRepo(testDoc())
	srv := newServer(repo)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/documents/doc-1/recalculate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var got recalcJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, got.Recomputed)
	assert.False(t, got.Degraded)
	assert.Empty(t, got.Errors)
	assert.Len(t, got.Lines, 2)
	assert.True(t, got.Total.Gross.Equal(decimal.RequireFromString("27.50")), "total %s", got.Total.Gross)
	assert.Nil(t, got.Shipping)
	assert.Equal(t, 1, repo.savedCalls, "computed prices must be written back")
	assert.Equal(t, document.StateFresh, repo.docs["doc-1"].State)
}

func TestRecalculateFreshDocSkipsWriteback(t *testing.T) {
	doc := testDoc()
	doc.Lines[0].StoredTotal, _ = money.NewTaxedAmount(usd("20.00"), usd("22.00"))
	doc.Lines[0].StoredUnit, _ = money.NewTaxedAmount(usd("10.00"), usd("11.00"))
	doc.Lines[1].StoredTotal, _ = money.NewTaxedAmount(usd("5.00"), usd("5.50"))
	doc.Lines[1].StoredUnit, _ = money.NewTaxedAmount(usd("5.00"), usd("5.50"))
	doc.StoredTotal, _ = money.NewTaxedAmount(usd("25.00"), usd("27.50"))
	doc.StoredUndiscountedTotal = doc.StoredTotal
	doc.MarkFresh(time.Now())

	repo := newMemRepo(doc)
	srv := newServer(repo)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/documents/doc-1/recalculate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var got recalcJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))

	assert.False(t, got.Recomputed)
	assert.Zero(t, repo.savedCalls)
}
