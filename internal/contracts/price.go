package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV record for one instrument on one trading day
type Bar struct {
	Symbol string          `json:"symbol"`
	Date   TradingDate     `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
	Hash   string          `json:"hash"`
	Source string          `json:"source"`
}

// ContentHash computes the digest of symbol+date+OHLCV used for change detection.
// Decimal values are rendered without trailing zeros so 10.50 and 10.5 hash equally.
func ContentHash(symbol string, date TradingDate, open, high, low, close decimal.Decimal, volume int64) string {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(symbol))
	sb.WriteByte('|')
	sb.WriteString(date.String())
	for _, v := range []decimal.Decimal{open, high, low, close} {
		sb.WriteByte('|')
		sb.WriteString(v.String())
	}
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(volume, 10))

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// ComputeHash returns the content hash of b
func (b Bar) ComputeHash() string {
	return ContentHash(b.Symbol, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume)
}

// WithHash returns b with Hash populated
func (b Bar) WithHash() Bar {
	b.Hash = b.ComputeHash()
	return b
}

// Validate enforces the same invariants as the price table CHECK constraints
func (b Bar) Validate() error {
	if b.Date.IsZero() {
		return fmt.Errorf("%w: missing date", ErrInvalidBar)
	}
	names := [4]string{"open", "high", "low", "close"}
	for i, v := range [4]decimal.Decimal{b.Open, b.High, b.Low, b.Close} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s %s is negative", ErrInvalidBar, names[i], v)
		}
	}
	if b.Volume < 0 {
		return fmt.Errorf("%w: volume %d is negative", ErrInvalidBar, b.Volume)
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return fmt.Errorf("%w: high %s below open %s or close %s", ErrInvalidBar, b.High, b.Open, b.Close)
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
		return fmt.Errorf("%w: low %s above open %s or close %s", ErrInvalidBar, b.Low, b.Open, b.Close)
	}
	return nil
}

// StoredBar is a bar as persisted, including derived columns
type StoredBar struct {
	Bar
	InstrumentID int64
	DateUTC      TradingDate
	EpochUTC     int64
}

// RejectedBar is an input row that was not written
type RejectedBar struct {
	Symbol string      `json:"symbol"`
	Date   TradingDate `json:"date"` // zero when the date itself was unparseable
	Line   int         `json:"line,omitempty"`
	Reason string      `json:"reason"`
	// Malformed marks rows whose fields could not be parsed at all, as
	// opposed to well-formed rows breaking an OHLC relationship
	Malformed bool `json:"malformed"`
}
