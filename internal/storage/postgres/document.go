package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/merchkit/tax-engine/internal/domain/document"
	"github.com/merchkit/tax-engine/internal/domain/money"
)

var _ document.Repository = (*DocumentRepository)(nil)

// DocumentRepository implements document.Repository backed by PostgreSQL.
type DocumentRepository struct {
	pool *pgxpool.Pool
}

// NewDocumentRepository returns a DocumentRepository that uses the given pool.
func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{pool: pool}
}

// Load returns the document for a token with lines in natural order.
// Returns document.ErrNotFound when the token is unknown.
func (r *DocumentRepository) Load(ctx context.Context, token string) (*document.Document, error) {
	const docQuery = `
		SELECT token, currency, country, prices_entered_with_tax,
		       discount, discount_targets_shipping,
		       shipping_required, shipping_method_id, shipping_name,
		       shipping_base_price, shipping_charge_taxes,
		       shipping_net, shipping_gross,
		       address_line1, address_city, address_region,
		       address_postal_code, address_country,
		       state, priced_at,
		       total_net, total_gross, undiscounted_net, undiscounted_gross
		FROM documents WHERE token = $1`

	var (
		doc document.Document

		discount decimal.Decimal

		shipMethodID, shipName            *string
		shipBasePrice                     decimal.NullDecimal
		shipChargeTaxes                   bool
		shipNet, shipGross                decimal.NullDecimal
		line1, city, region, postal, ctry *string
		state                             string
		pricedAt                          *time.Time

		totalNet, totalGross decimal.NullDecimal
		undNet, undGross     decimal.NullDecimal
	)
	err := r.pool.QueryRow(ctx, docQuery, token).Scan(
		&doc.Token, &doc.Currency, &doc.Country, &doc.PricesEnteredWithTax,
		&discount, &doc.DiscountTargetsShipping,
		&doc.ShippingRequired, &shipMethodID, &shipName,
		&shipBasePrice, &shipChargeTaxes,
		&shipNet, &shipGross,
		&line1, &city, &region, &postal, &ctry,
		&state, &pricedAt,
		&totalNet, &totalGross, &undNet, &undGross,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, document.ErrNotFound
		}
		return nil, fmt.Errorf("loading document %q: %w", token, err)
	}

	doc.Discount = money.Money{Amount: discount, Currency: doc.Currency}
	doc.State = document.State(state)
	if pricedAt != nil {
		doc.PricedAt = *pricedAt
	}
	doc.StoredTotal = taxedFrom(totalNet, totalGross, doc.Currency)
	doc.StoredUndiscountedTotal = taxedFrom(undNet, undGross, doc.Currency)

	if shipMethodID != nil {
		doc.Shipping = &document.Shipping{
			MethodID:    *shipMethodID,
			ChargeTaxes: shipChargeTaxes,
			StoredPrice: taxedFrom(shipNet, shipGross, doc.Currency),
		}
		if shipName != nil {
			doc.Shipping.Name = *shipName
		}
		if shipBasePrice.Valid {
			doc.Shipping.BasePrice = money.Money{Amount: shipBasePrice.Decimal, Currency: doc.Currency}
		}
	}
	if ctry != nil || line1 != nil || postal != nil {
		doc.ShippingAddress = &document.Address{
			Line1:      deref(line1),
			City:       deref(city),
			Region:     deref(region),
			PostalCode: deref(postal),
			Country:    deref(ctry),
		}
	}

	doc.Lines, err = r.loadLines(ctx, token, doc.Currency)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *DocumentRepository) loadLines(ctx context.Context, token, currency string) ([]document.Line, error) {
	const query = `
		SELECT id, sku, quantity, base_unit_price, charge_taxes,
		       tax_class_override_id, product_tax_class_id, product_type_tax_class_id,
		       stored_total_net, stored_total_gross,
		       stored_unit_net, stored_unit_gross, stored_rate
		FROM document_lines
		WHERE document_token = $1
		ORDER BY position`

	rows, err := r.pool.Query(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("loading lines of document %q: %w", token, err)
	}
	defer rows.Close()

	var lines []document.Line
	for rows.Next() {
		var (
			line document.Line

			unitPrice                   decimal.Decimal
			overrideID, classID, typeID *string
			totalNet, totalGross        decimal.NullDecimal
			unitNet, unitGross          decimal.NullDecimal
			rate                        decimal.NullDecimal
		)
		err := rows.Scan(
			&line.ID, &line.SKU, &line.Quantity, &unitPrice, &line.ChargeTaxes,
			&overrideID, &classID, &typeID,
			&totalNet, &totalGross, &unitNet, &unitGross, &rate,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning line of document %q: %w", token, err)
		}
		line.BaseUnitPrice = money.Money{Amount: unitPrice, Currency: currency}
		line.TaxClassOverrideID = deref(overrideID)
		line.ProductTaxClassID = deref(classID)
		line.ProductTypeTaxClassID = deref(typeID)
		line.StoredTotal = taxedFrom(totalNet, totalGross, currency)
		line.StoredUnit = taxedFrom(unitNet, unitGross, currency)
		if rate.Valid {
			line.StoredRate = rate.Decimal
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lines of document %q: %w", token, err)
	}
	return lines, nil
}

// Save inserts or replaces a document and its lines in one transaction.
func (r *DocumentRepository) Save(ctx context.Context, doc *document.Document) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const docQuery = `
		INSERT INTO documents (
			token, currency, country, prices_entered_with_tax,
			discount, discount_targets_shipping,
			shipping_required, shipping_method_id, shipping_name,
			shipping_base_price, shipping_charge_taxes,
			shipping_net, shipping_gross,
			address_line1, address_city, address_region,
			address_postal_code, address_country,
			state, priced_at,
			total_net, total_gross, undiscounted_net, undiscounted_gross
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)
		ON CONFLICT (token) DO UPDATE SET
			currency                  = EXCLUDED.currency,
			country                   = EXCLUDED.country,
			prices_entered_with_tax   = EXCLUDED.prices_entered_with_tax,
			discount                  = EXCLUDED.discount,
			discount_targets_shipping = EXCLUDED.discount_targets_shipping,
			shipping_required         = EXCLUDED.shipping_required,
			shipping_method_id        = EXCLUDED.shipping_method_id,
			shipping_name             = EXCLUDED.shipping_name,
			shipping_base_price       = EXCLUDED.shipping_base_price,
			shipping_charge_taxes     = EXCLUDED.shipping_charge_taxes,
			shipping_net              = EXCLUDED.shipping_net,
			shipping_gross            = EXCLUDED.shipping_gross,
			address_line1             = EXCLUDED.address_line1,
			address_city              = EXCLUDED.address_city,
			address_region            = EXCLUDED.address_region,
			address_postal_code       = EXCLUDED.address_postal_code,
			address_country           = EXCLUDED.address_country,
			state                     = EXCLUDED.state,
			priced_at                 = EXCLUDED.priced_at,
			total_net                 = EXCLUDED.total_net,
			total_gross               = EXCLUDED.total_gross,
			undiscounted_net          = EXCLUDED.undiscounted_net,
			undiscounted_gross        = EXCLUDED.undiscounted_gross`

	var (
		shipMethodID, shipName *string
		shipBasePrice          decimal.NullDecimal
		shipChargeTaxes        = true
		shipNet, shipGross     decimal.NullDecimal
	)
	if doc.Shipping != nil {
		shipMethodID = &doc.Shipping.MethodID
		shipName = &doc.Shipping.Name
		shipBasePrice = decimal.NullDecimal{Decimal: doc.Shipping.BasePrice.Amount, Valid: true}
		shipChargeTaxes = doc.Shipping.ChargeTaxes
		shipNet, shipGross = nullTaxed(doc.Shipping.StoredPrice)
	}
	var line1, city, region, postal, ctry *string
	if addr := doc.ShippingAddress; addr != nil {
		line1, city, region = &addr.Line1, &addr.City, &addr.Region
		postal, ctry = &addr.PostalCode, &addr.Country
	}
	totalNet, totalGross := nullTaxed(doc.StoredTotal)
	undNet, undGross := nullTaxed(doc.StoredUndiscountedTotal)

	_, err = tx.Exec(ctx, docQuery,
		doc.Token, doc.Currency, doc.Country, doc.PricesEnteredWithTax,
		doc.Discount.Amount, doc.DiscountTargetsShipping,
		doc.ShippingRequired, shipMethodID, shipName,
		shipBasePrice, shipChargeTaxes, shipNet, shipGross,
		line1, city, region, postal, ctry,
		string(doc.State), nullTime(doc.PricedAt),
		totalNet, totalGross, undNet, undGross,
	)
	if err != nil {
		return fmt.Errorf("saving document %q: %w", doc.Token, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM document_lines WHERE document_token = $1`, doc.Token); err != nil {
		return fmt.Errorf("clearing lines of document %q: %w", doc.Token, err)
	}

	const lineQuery = `
		INSERT INTO document_lines (
			id, document_token, position, sku, quantity, base_unit_price, charge_taxes,
			tax_class_override_id, product_tax_class_id, product_type_tax_class_id,
			stored_total_net, stored_total_gross,
			stored_unit_net, stored_unit_gross, stored_rate
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	batch := &pgx.Batch{}
	for i := range doc.Lines {
		line := &doc.Lines[i]
		lineTotalNet, lineTotalGross := nullTaxed(line.StoredTotal)
		unitNet, unitGross := nullTaxed(line.StoredUnit)
		batch.Queue(lineQuery,
			line.ID, doc.Token, i, line.SKU, line.Quantity,
			line.BaseUnitPrice.Amount, line.ChargeTaxes,
			nullStr(line.TaxClassOverrideID), nullStr(line.ProductTaxClassID), nullStr(line.ProductTypeTaxClassID),
			lineTotalNet, lineTotalGross, unitNet, unitGross,
			decimal.NullDecimal{Decimal: line.StoredRate, Valid: line.StoredTotal.Net.Currency != ""},
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("saving lines of document %q: %w", doc.Token, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing document %q: %w", doc.Token, err)
	}
	return nil
}

// SavePrices writes back the computed prices, state and priced-at time of a
// document and its lines. Line identity and base inputs are left untouched.
func (r *DocumentRepository) SavePrices(ctx context.Context, doc *document.Document) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const docQuery = `
		UPDATE documents SET
			state              = $2,
			priced_at          = $3,
			total_net          = $4,
			total_gross        = $5,
			undiscounted_net   = $6,
			undiscounted_gross = $7,
			shipping_net       = $8,
			shipping_gross     = $9
		WHERE token = $1`

	totalNet, totalGross := nullTaxed(doc.StoredTotal)
	undNet, undGross := nullTaxed(doc.StoredUndiscountedTotal)
	var shipNet, shipGross decimal.NullDecimal
	if doc.Shipping != nil {
		shipNet, shipGross = nullTaxed(doc.Shipping.StoredPrice)
	}
	tag, err := tx.Exec(ctx, docQuery,
		doc.Token, string(doc.State), nullTime(doc.PricedAt),
		totalNet, totalGross, undNet, undGross, shipNet, shipGross,
	)
	if err != nil {
		return fmt.Errorf("updating prices of document %q: %w", doc.Token, err)
	}
	if tag.RowsAffected() == 0 {
		return document.ErrNotFound
	}

	const lineQuery = `
		UPDATE document_lines SET
			stored_total_net   = $2,
			stored_total_gross = $3,
			stored_unit_net    = $4,
			stored_unit_gross  = $5,
			stored_rate        = $6
		WHERE id = $1`

	batch := &pgx.Batch{}
	for i := range doc.Lines {
		line := &doc.Lines[i]
		lineTotalNet, lineTotalGross := nullTaxed(line.StoredTotal)
		unitNet, unitGross := nullTaxed(line.StoredUnit)
		batch.Queue(lineQuery,
			line.ID, lineTotalNet, lineTotalGross, unitNet, unitGross,
			decimal.NullDecimal{Decimal: line.StoredRate, Valid: line.StoredTotal.Net.Currency != ""},
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("updating line prices of document %q: %w", doc.Token, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing prices of document %q: %w", doc.Token, err)
	}
	return nil
}

func taxedFrom(net, gross decimal.NullDecimal, currency string) money.TaxedAmount {
	if !net.Valid || !gross.Valid {
		return money.TaxedAmount{}
	}
	return money.TaxedAmount{
		Net:   money.Money{Amount: net.Decimal, Currency: currency},
		Gross: money.Money{Amount: gross.Decimal, Currency: currency},
	}
}

func nullTaxed(ta money.TaxedAmount) (net, gross decimal.NullDecimal) {
	if ta.Net.Currency == "" {
		return decimal.NullDecimal{}, decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: ta.Net.Amount, Valid: true},
		decimal.NullDecimal{Decimal: ta.Gross.Amount, Valid: true}
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
