package utils

import (
	"reflect"
	"testing"
	"time"
)

func TestRingBufferWrapsAround(t *testing.T) {
	rb := NewRingBuffer(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		rb.Append(v)
	}

	if rb.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", rb.Size())
	}
	if got := rb.All(); !reflect.DeepEqual(got, []float64{3, 4, 5}) {
		t.Errorf("All() = %v, want [3 4 5]", got)
	}
	if got := rb.Latest(2); !reflect.DeepEqual(got, []float64{4, 5}) {
		t.Errorf("Latest(2) = %v, want [4 5]", got)
	}
	if got := rb.Latest(10); len(got) != 3 {
		t.Errorf("Latest(10) len = %d, want 3", len(got))
	}
}

func TestMICForSymbol(t *testing.T) {
	overrides := map[string]string{"SHOP": "XTSE"}
	tests := []struct {
		symbol string
		want   string
	}{
		{"AAPL", "xnys"},
		{"VOD.L", "xlon"},
		{"0700.HK", "xhkg"},
		{"BRK.B", "xnys"},
		{"SHOP", "xtse"},
	}
	for _, tt := range tests {
		if got := MICForSymbol(tt.symbol, overrides); got != tt.want {
			t.Errorf("MICForSymbol(%q) = %q, want %q", tt.symbol, got, tt.want)
		}
	}
}

func TestFallbackCalendarHours(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tc := &TradingCalendar{Fallback: true, Timezone: ny}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"tuesday open", time.Date(2025, 3, 4, 10, 0, 0, 0, ny), true},
		{"tuesday before open", time.Date(2025, 3, 4, 9, 29, 0, 0, ny), false},
		{"tuesday close", time.Date(2025, 3, 4, 16, 0, 0, 0, ny), false},
		{"saturday", time.Date(2025, 3, 8, 11, 0, 0, 0, ny), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tc.IsOpenAt(tt.at); got != tt.want {
				t.Errorf("IsOpenAt(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestMarketSchedulerTracksSymbols(t *testing.T) {
	ms := NewMarketScheduler(nil, nil)
	ms.now = func() time.Time { return time.Date(2025, 3, 8, 16, 0, 0, 0, time.UTC) } // Saturday

	if ms.AnyMarketOpen() {
		t.Error("AnyMarketOpen() = true with no symbols")
	}

	ms.Track("AAPL")
	ms.Track("AAPL")
	if len(ms.symbols) != 1 {
		t.Errorf("tracked %d symbols, want 1", len(ms.symbols))
	}
	if ms.IsOpen("AAPL") {
		t.Error("IsOpen(AAPL) = true on a Saturday")
	}

	ms.Untrack("AAPL")
	if len(ms.symbols) != 0 {
		t.Errorf("Untrack left %d symbols", len(ms.symbols))
	}
}

func TestMarketSchedulerIsOpenWithoutTracking(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	ms := NewMarketScheduler(map[string]string{"ZZZ": "XNOTAMIC"}, nil)

	ms.now = func() time.Time { return time.Date(2025, 3, 4, 11, 0, 0, 0, ny) } // Tuesday
	if !ms.IsOpen("ZZZ") {
		t.Error("IsOpen(ZZZ) = false during regular NYSE hours")
	}
	ms.now = func() time.Time { return time.Date(2025, 3, 8, 11, 0, 0, 0, ny) } // Saturday
	if ms.IsOpen("ZZZ") {
		t.Error("IsOpen(ZZZ) = true on a Saturday")
	}
	if len(ms.symbols) != 0 {
		t.Errorf("IsOpen tracked %d symbols", len(ms.symbols))
	}
}
