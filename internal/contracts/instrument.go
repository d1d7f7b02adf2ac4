package contracts

import (
	"fmt"
	"strings"
	"time"
)

// InstrumentType is the closed set of tradable instrument kinds
type InstrumentType string

const (
	InstrumentStock  InstrumentType = "stock"
	InstrumentIndex  InstrumentType = "index"
	InstrumentETF    InstrumentType = "etf"
	InstrumentBond   InstrumentType = "bond"
	InstrumentFuture InstrumentType = "future"
	InstrumentOption InstrumentType = "option"
)

// InstrumentTypes lists every valid InstrumentType
var InstrumentTypes = []InstrumentType{
	InstrumentStock, InstrumentIndex, InstrumentETF,
	InstrumentBond, InstrumentFuture, InstrumentOption,
}

// ParseInstrumentType validates s against the closed set
func ParseInstrumentType(s string) (InstrumentType, error) {
	t := InstrumentType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range InstrumentTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown instrument type %q", s)
}

// PriceTable returns the physical price table holding bars of this type.
// Indices have their own table; every other type shares the stock layout.
func (t InstrumentType) PriceTable() string {
	if t == InstrumentIndex {
		return "index_prices"
	}
	return "stock_prices"
}

// InstrumentRef identifies an instrument by its natural key plus the
// reference data needed to create it when it does not exist yet
type InstrumentRef struct {
	Symbol   string         `json:"symbol" yaml:"symbol"`
	Type     InstrumentType `json:"type" yaml:"type"`
	Exchange string         `json:"exchange" yaml:"exchange"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Sector   string         `json:"sector,omitempty" yaml:"sector,omitempty"`
	Currency string         `json:"currency,omitempty" yaml:"currency,omitempty"`
}

// Normalize upper-cases codes and fills the default exchange
func (r InstrumentRef) Normalize(defaultExchange string) InstrumentRef {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Exchange = strings.ToUpper(strings.TrimSpace(r.Exchange))
	if r.Exchange == "" {
		r.Exchange = strings.ToUpper(defaultExchange)
	}
	if r.Type == "" {
		r.Type = InstrumentStock
	}
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	return r
}

// Key is the natural key used in logs and maps
func (r InstrumentRef) Key() string {
	return r.Exchange + ":" + r.Symbol + ":" + string(r.Type)
}

// Instrument is the canonical tradable entity.
// ID is the single surrogate key reused as the foreign key by every price,
// detail and metric row.
type Instrument struct {
	ID               int64          `json:"id"`
	Symbol           string         `json:"symbol"`
	Name             string         `json:"name"`
	Type             InstrumentType `json:"type"`
	ExchangeID       int64          `json:"exchange_id"`
	ExchangeCode     string         `json:"exchange_code"`
	SectorID         *int64         `json:"sector_id,omitempty"`
	Currency         string         `json:"currency"`
	Active           bool           `json:"active"`
	FirstTradingDate TradingDate    `json:"first_trading_date"`
	LastTradingDate  TradingDate    `json:"last_trading_date"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Ref returns the natural key of the instrument
func (i *Instrument) Ref() InstrumentRef {
	return InstrumentRef{
		Symbol:   i.Symbol,
		Type:     i.Type,
		Exchange: i.ExchangeCode,
		Name:     i.Name,
		Currency: i.Currency,
	}
}

// Exchange is reference data for a trading venue
type Exchange struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	MICCode     string `json:"mic_code"`
	Name        string `json:"name"`
	CountryCode string `json:"country_code"`
	Currency    string `json:"currency"`
	Timezone    string `json:"timezone"`
}

// Country is reference data for an exchange's jurisdiction
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Sector is an industry classification bucket
type Sector struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Classification string `json:"classification"`
}
