package contracts

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func bar(o, h, l, c string, v int64) Bar {
	return Bar{
		Symbol: "XTB",
		Date:   NewTradingDate(2024, time.March, 1),
		Open:   decimal.RequireFromString(o),
		High:   decimal.RequireFromString(h),
		Low:    decimal.RequireFromString(l),
		Close:  decimal.RequireFromString(c),
		Volume: v,
	}
}

func TestBar_Validate(t *testing.T) {
	tests := []struct {
		name    string
		bar     Bar
		wantErr bool
	}{
		{"valid", bar("10", "12", "9", "11", 100), false},
		{"flat bar", bar("10", "10", "10", "10", 0), false},
		{"high below open", bar("10", "9.5", "9", "9.2", 100), true},
		{"high below close", bar("10", "11", "9", "11.5", 100), true},
		{"low above close", bar("10", "12", "10.5", "10.2", 100), true},
		{"low above open", bar("10", "12", "10.5", "11", 100), true},
		{"negative price", bar("-1", "12", "-2", "11", 100), true},
		{"negative volume", bar("10", "12", "9", "11", -5), true},
		{"missing date", Bar{Symbol: "XTB"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bar.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidBar) {
				t.Errorf("expected ErrInvalidBar, got %v", err)
			}
		})
	}
}

func TestContentHash(t *testing.T) {
	a := bar("10.50", "12", "9", "11", 100)
	b := bar("10.5", "12.000", "9", "11", 100)
	if a.ComputeHash() != b.ComputeHash() {
		t.Error("expected equal hashes for numerically equal prices")
	}

	lower := a
	lower.Symbol = "xtb"
	if a.ComputeHash() != lower.ComputeHash() {
		t.Error("expected symbol case to be ignored")
	}

	changed := a
	changed.Volume = 101
	if a.ComputeHash() == changed.ComputeHash() {
		t.Error("expected volume change to change the hash")
	}

	if len(a.ComputeHash()) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a.ComputeHash()))
	}
}

func TestTradingDate(t *testing.T) {
	warsaw, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		t.Skip("tzdata not available")
	}

	// 23:30 UTC on Mar 1 is already Mar 2 in Warsaw
	instant := time.Date(2024, time.March, 1, 23, 30, 0, 0, time.UTC)
	if got := DateOf(instant, warsaw); got.String() != "2024-03-02" {
		t.Errorf("DateOf() = %s, want 2024-03-02", got)
	}
	if got := DateOf(instant, time.UTC); got.String() != "2024-03-01" {
		t.Errorf("DateOf(UTC) = %s, want 2024-03-01", got)
	}

	d := MustTradingDate("2024-02-28")
	if got := d.AddDays(2).String(); got != "2024-03-01" {
		t.Errorf("AddDays() = %s", got)
	}
	if d.DaysUntil(MustTradingDate("2024-03-08")) != 9 {
		t.Errorf("DaysUntil() = %d", d.DaysUntil(MustTradingDate("2024-03-08")))
	}

	var parsed TradingDate
	if err := parsed.UnmarshalText([]byte("2024-01-15")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if !parsed.Equal(NewTradingDate(2024, time.January, 15)) {
		t.Errorf("UnmarshalText() = %s", parsed)
	}
	if _, err := ParseTradingDate("15/01/2024"); err == nil {
		t.Error("expected error for non ISO date")
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseJobStatus("retrying"); err != nil {
		t.Errorf("ParseJobStatus(retrying) error = %v", err)
	}
	if _, err := ParseJobStatus("done"); err == nil {
		t.Error("expected error for unknown status")
	}
	if _, err := ParseSeverity("critical"); err != nil {
		t.Errorf("ParseSeverity(critical) error = %v", err)
	}
	if _, err := ParseSeverity("fatal"); err == nil {
		t.Error("expected error for unknown severity")
	}
	if typ, err := ParseInstrumentType(" INDEX "); err != nil || typ != InstrumentIndex {
		t.Errorf("ParseInstrumentType() = %v, %v", typ, err)
	}
	if InstrumentETF.PriceTable() != "stock_prices" || InstrumentIndex.PriceTable() != "index_prices" {
		t.Error("unexpected price table mapping")
	}
}
