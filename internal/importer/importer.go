package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"marketplace-checkout/internal/domain"
)

type PriceWriter interface {
	Upsert(ctx context.Context, p domain.CatalogPrice) error
}

// CSVImporter reads catalog price exports and upserts them as the checkout
// price authority. Columns: id, sku, name, price, currency. price is a
// decimal major-unit amount such as 19.99.
type CSVImporter struct {
	reader *csv.Reader
	prices PriceWriter
}

func NewCSVImporter(r io.Reader, prices PriceWriter) *CSVImporter {
	csvr := csv.NewReader(r)
	csvr.FieldsPerRecord = -1 // rows may have trailing commas
	csvr.TrimLeadingSpace = true
	return &CSVImporter{
		reader: csvr,
		prices: prices,
	}
}

// Run parses every row and upserts it. It stops at the first invalid row and
// reports its line.
func (i *CSVImporter) Run(ctx context.Context) (int, error) {
	headers, err := i.reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read headers: %w", err)
	}
	index := headerIndex(headers)
	for _, col := range []string{"id", "price", "currency"} {
		if _, ok := index[col]; !ok {
			return 0, fmt.Errorf("missing column %q", col)
		}
	}

	imported := 0
	for {
		record, err := i.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("read row: %w", err)
		}
		line, _ := i.reader.FieldPos(0)

		p, skip, err := parseRow(record, index)
		if err != nil {
			return imported, fmt.Errorf("line %d: %w", line, err)
		}
		if skip {
			continue
		}
		if err := i.prices.Upsert(ctx, p); err != nil {
			return imported, fmt.Errorf("upsert product %q: %w", p.ProductID, err)
		}
		imported++
	}
	return imported, nil
}

func headerIndex(headers []string) map[string]int {
	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx
}

func parseRow(record []string, index map[string]int) (domain.CatalogPrice, bool, error) {
	id := pick(record, index, "id")
	if id == "" {
		return domain.CatalogPrice{}, true, nil
	}
	amount, err := decimal.NewFromString(pick(record, index, "price"))
	if err != nil {
		return domain.CatalogPrice{}, false, fmt.Errorf("product %s: invalid price: %w", id, err)
	}
	cents := amount.Shift(2)
	if !cents.Equal(cents.Truncate(0)) || cents.IsNegative() {
		return domain.CatalogPrice{}, false, fmt.Errorf("product %s: price %s is not a valid amount", id, amount)
	}
	currency := strings.ToUpper(pick(record, index, "currency"))
	if len(currency) != 3 {
		return domain.CatalogPrice{}, false, fmt.Errorf("product %s: invalid currency %q", id, currency)
	}
	name := pick(record, index, "name")
	if name == "" {
		name = id
	}
	return domain.CatalogPrice{
		ProductID:  id,
		SKU:        pick(record, index, "sku"),
		Name:       name,
		PriceCents: cents.IntPart(),
		Currency:   currency,
	}, false, nil
}

func pick(record []string, index map[string]int, key string) string {
	pos, ok := index[key]
	if !ok || pos >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[pos])
}
