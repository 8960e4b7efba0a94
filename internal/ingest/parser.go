package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade-reconciler/internal/models"
	"trade-reconciler/internal/normalize"
)

const (
	ColUnderlyingAsset = "Underlying Asset"
	ColMarginMode      = "Margin Mode"
	ColLeverage        = "Leverage"
	ColOrderTime       = "Order Time"
	ColSide            = "Side"
	ColAvgFill         = "Avg Fill"
	ColPrice           = "Price"
	ColFilled          = "Filled"
	ColTotal           = "Total"
	ColPNL             = "PNL"
	ColPNLPercent      = "PNL%"
	ColFee             = "Fee"
	ColOrderOptions    = "Order Options"
	ColReduceOnly      = "Reduce-only"
	ColStatus          = "Status"
)

// RequiredColumns is the exact header set of an exchange export.
var RequiredColumns = []string{
	ColUnderlyingAsset, ColMarginMode, ColLeverage, ColOrderTime, ColSide,
	ColAvgFill, ColPrice, ColFilled, ColTotal, ColPNL, ColPNLPercent, ColFee,
	ColOrderOptions, ColReduceOnly, ColStatus,
}

// StatusCanceled marks orders that never executed.
const StatusCanceled = "Canceled"

// Result is the outcome of parsing one export.
type Result struct {
	Trades   []models.TradeRecord
	Canceled int
	Skipped  int
	Rejected []RowParseError
}

// Parser turns exchange CSV exports into candidate trade records.
type Parser struct {
	logger   *zap.Logger
	loc      *time.Location
	exchange string
	allowed  map[string]struct{}
}

// NewParser creates a parser. An empty allow-list accepts every asset.
func NewParser(logger *zap.Logger, loc *time.Location, exchange string, allowedAssets []string) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	p := &Parser{
		logger:   logger.Named("ingest"),
		loc:      loc,
		exchange: exchange,
	}
	if len(allowedAssets) > 0 {
		p.allowed = make(map[string]struct{}, len(allowedAssets))
		for _, a := range allowedAssets {
			p.allowed[strings.TrimSpace(a)] = struct{}{}
		}
	}
	return p
}

// Parse reads r and returns candidates in file order. A header mismatch
// returns a *SchemaError before any row is looked at.
func (p *Parser) Parse(r io.Reader, ownerID uint, fileName string) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &SchemaError{Missing: append([]string(nil), RequiredColumns...)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	index, err := checkSchema(header)
	if err != nil {
		return nil, err
	}

	l := p.logger.With(zap.Uint("owner_id", ownerID), zap.String("file", fileName))
	res := &Result{}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Rejected = append(res.Rejected, RowParseError{Line: perr.Line, Reason: perr.Err.Error()})
				l.Warn("Dropping malformed CSV row", zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("failed to read CSV row %d: %w", line, err)
		}

		row := rowView{index: index, record: record}
		if row.get(ColStatus) == StatusCanceled {
			res.Canceled++
			continue
		}
		asset := row.get(ColUnderlyingAsset)
		if !p.isAllowed(asset) {
			res.Skipped++
			continue
		}

		trade, rowErr := p.buildTrade(row, line, ownerID, fileName)
		if rowErr != nil {
			l.Debug("Dropping row", zap.Error(rowErr))
			res.Rejected = append(res.Rejected, *rowErr)
			continue
		}
		res.Trades = append(res.Trades, trade)
	}

	l.Info("Parsed export",
		zap.Int("candidates", len(res.Trades)),
		zap.Int("canceled", res.Canceled),
		zap.Int("skipped", res.Skipped),
		zap.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}

func (p *Parser) isAllowed(asset string) bool {
	if p.allowed == nil {
		return true
	}
	_, ok := p.allowed[asset]
	return ok
}

func (p *Parser) buildTrade(row rowView, line int, ownerID uint, fileName string) (models.TradeRecord, *RowParseError) {
	if len(row.record) < len(row.index) {
		return models.TradeRecord{}, &RowParseError{Line: line, Reason: fmt.Sprintf("expected %d fields, got %d", len(row.index), len(row.record))}
	}

	rawTime := row.get(ColOrderTime)
	naive, ok := normalize.Datetime(rawTime)
	if !ok {
		return models.TradeRecord{}, &RowParseError{Line: line, Column: ColOrderTime, Value: rawTime, Reason: "expected " + normalize.DatetimeLayout}
	}

	side := models.Side(row.get(ColSide))
	if !side.Valid() {
		return models.TradeRecord{}, &RowParseError{Line: line, Column: ColSide, Value: string(side), Reason: "expected Buy or Sell"}
	}

	rawLeverage := row.get(ColLeverage)
	leverage, err := parseLeverage(rawLeverage)
	if err != nil {
		return models.TradeRecord{}, &RowParseError{Line: line, Column: ColLeverage, Value: rawLeverage, Reason: err.Error()}
	}

	filled := normalize.Decimal(row.get(ColFilled))
	trade := models.TradeRecord{
		OwnerID:         ownerID,
		FileName:        fileName,
		UnderlyingAsset: row.get(ColUnderlyingAsset),
		MarginMode:      row.get(ColMarginMode),
		Leverage:        leverage,
		// Stored as a UTC instant so equality lookups are zone independent.
		OrderTime:              normalize.InZone(naive, p.loc).UTC(),
		Side:                   side,
		AvgFill:                normalize.Decimal(row.get(ColAvgFill)),
		Price:                  normalize.Decimal(row.get(ColPrice)),
		FilledQuantity:         filled,
		OriginalFilledQuantity: decimal.NewNullDecimal(filled),
		PnL:                    normalize.Decimal(row.get(ColPNL)),
		PnLPercentage:          normalize.Decimal(row.get(ColPNLPercent)),
		Fee:                    normalize.Decimal(row.get(ColFee)),
		ReduceOnly:             normalize.Boolean(row.get(ColReduceOnly)),
		TradeStatus:            row.get(ColStatus),
		Exchange:               p.exchange,
	}
	return trade, nil
}

func parseLeverage(s string) (int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "x"), "X")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("expected an integer")
	}
	return n, nil
}

// checkSchema requires the header to be exactly RequiredColumns.
func checkSchema(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	var unexpected []string

	required := make(map[string]struct{}, len(RequiredColumns))
	for _, c := range RequiredColumns {
		required[c] = struct{}{}
	}

	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, ok := required[name]; !ok {
			unexpected = append(unexpected, name)
			continue
		}
		if _, dup := index[name]; dup {
			unexpected = append(unexpected, name)
			continue
		}
		index[name] = i
	}

	var missing []string
	for _, c := range RequiredColumns {
		if _, ok := index[c]; !ok {
			missing = append(missing, c)
		}
	}

	if len(missing) > 0 || len(unexpected) > 0 {
		sort.Strings(missing)
		sort.Strings(unexpected)
		return nil, &SchemaError{Missing: missing, Unexpected: unexpected}
	}
	return index, nil
}

type rowView struct {
	index  map[string]int
	record []string
}

func (r rowView) get(col string) string {
	i, ok := r.index[col]
	if !ok || i >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[i])
}
