package registry

import (
	"fmt"
	"strings"

	"github.com/wonny/stocketl/internal/contracts"
)

// ExchangeInfo is the reference data used when an exchange row has to be created
type ExchangeInfo struct {
	Exchange contracts.Exchange
	Country  contracts.Country
}

// knownExchanges lists venues with real reference data.
// Aliases resolve to the same canonical code.
var knownExchanges = map[string]ExchangeInfo{
	"WSE": {
		Exchange: contracts.Exchange{
			Code:        "WSE",
			MICCode:     "XWAR",
			Name:        "Warsaw Stock Exchange",
			CountryCode: "PL",
			Currency:    "PLN",
			Timezone:    "Europe/Warsaw",
		},
		Country: contracts.Country{Code: "PL", Name: "Poland"},
	},
}

var exchangeAliases = map[string]string{
	"XWAR": "WSE",
	"GPW":  "WSE",
}

// CanonicalExchange maps aliases (MIC, local name) to the stored code
func CanonicalExchange(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if canonical, ok := exchangeAliases[code]; ok {
		return canonical
	}
	return code
}

// LookupExchange returns catalog data for code. Unknown venues get a
// placeholder that is clearly marked as auto-created.
func LookupExchange(code string) (ExchangeInfo, bool) {
	code = CanonicalExchange(code)
	if info, ok := knownExchanges[code]; ok {
		return info, true
	}
	return ExchangeInfo{
		Exchange: contracts.Exchange{
			Code:        code,
			MICCode:     code,
			Name:        fmt.Sprintf("%s - Auto-created", code),
			CountryCode: "ZZ",
			Currency:    "XXX",
			Timezone:    "UTC",
		},
		Country: contracts.Country{Code: "ZZ", Name: "Unknown"},
	}, false
}

// PlaceholderName is the display name given to an instrument nobody named
func PlaceholderName(symbol string) string {
	return fmt.Sprintf("%s - Auto-created", symbol)
}

// PlaceholderSectorDescription describes a sector created on first sight
func PlaceholderSectorDescription(name string) string {
	return fmt.Sprintf("Auto-created sector: %s", name)
}

// Index details defaults for WSE indices
const (
	DefaultIndexBaseValue = 1000
	DefaultIndexBaseDate  = "1991-04-16"
)

// DefaultUniverse is the instrument set ingested when a run names no targets
func DefaultUniverse() []contracts.InstrumentRef {
	stocks := []string{"XTB", "PKN", "CCC", "LPP", "CDR"}
	indices := []string{"WIG", "WIG20", "MWIG40", "SWIG80"}

	refs := make([]contracts.InstrumentRef, 0, len(stocks)+len(indices))
	for _, s := range stocks {
		refs = append(refs, contracts.InstrumentRef{Symbol: s, Type: contracts.InstrumentStock, Exchange: "WSE", Currency: "PLN"})
	}
	for _, s := range indices {
		refs = append(refs, contracts.InstrumentRef{Symbol: s, Type: contracts.InstrumentIndex, Exchange: "WSE", Currency: "PLN"})
	}
	return refs
}
