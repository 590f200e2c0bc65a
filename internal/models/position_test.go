package models

import (
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2025, 1, 17, 10, 0, 0, 0, time.UTC)

func testContract() OptionContract {
	return OptionContract{Symbol: "SPY", OptionType: OptionCall, Strike: 450, Expiration: "20250117"}
}

func TestPosition_BuyFillsWeightedAverage(t *testing.T) {
	p := NewPosition("p1", testContract(), "ema", t0)
	if p.Status != StatusPending || p.AvgEntry != nil {
		t.Fatalf("new position = %+v, want pending with nil avg", p)
	}

	if err := p.ApplyBuyFill(2, 1.20, t0); err != nil {
		t.Fatalf("ApplyBuyFill: %v", err)
	}
	if p.Status != StatusOpen {
		t.Fatalf("status = %s, want open", p.Status)
	}
	if err := p.ApplyBuyFill(2, 1.60, t0); err != nil {
		t.Fatalf("ApplyBuyFill: %v", err)
	}
	if p.QuantityOpen != 4 {
		t.Fatalf("quantity_open = %d, want 4", p.QuantityOpen)
	}
	if math.Abs(*p.AvgEntry-1.40) > 1e-9 {
		t.Fatalf("avg_entry = %v, want 1.40", *p.AvgEntry)
	}
}

func TestPosition_PartialTrimsRealizeExactly(t *testing.T) {
	p := NewPosition("p1", testContract(), "ema", t0)
	if err := p.ApplyBuyFill(3, 1.10, t0); err != nil {
		t.Fatal(err)
	}

	sells := []struct {
		qty   int
		price float64
	}{{1, 1.30}, {1, 1.50}, {1, 0.90}}
	var total float64
	for _, s := range sells {
		r, err := p.ApplySellFill(s.qty, s.price, t0)
		if err != nil {
			t.Fatalf("ApplySellFill: %v", err)
		}
		total += r
	}

	// exit avg 1.233.. over 3 contracts
	want := (1.30 + 1.50 + 0.90 - 3*1.10) * 100
	if math.Abs(p.RealizedPnL-want) > 1e-9 || math.Abs(total-want) > 1e-9 {
		t.Fatalf("realized = %v (sum %v), want %v", p.RealizedPnL, total, want)
	}
	if p.QuantityOpen != 0 || p.Status != StatusClosed {
		t.Fatalf("position = qty %d status %s, want flat and closed", p.QuantityOpen, p.Status)
	}
}

func TestPosition_SellFillGuards(t *testing.T) {
	p := NewPosition("p1", testContract(), "", t0)
	if _, err := p.ApplySellFill(1, 1.0, t0); err == nil {
		t.Fatal("expected error selling more than open")
	}
	p.QuantityOpen = 1
	if _, err := p.ApplySellFill(1, 1.0, t0); err != ErrNoEntryPrice {
		t.Fatalf("err = %v, want ErrNoEntryPrice", err)
	}
}

func TestPosition_ClosedNeverReopens(t *testing.T) {
	p := NewPosition("p1", testContract(), "", t0)
	if err := p.ApplyBuyFill(1, 1.0, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ApplySellFill(1, 1.0, t0); err != nil {
		t.Fatal(err)
	}
	if err := p.ApplyBuyFill(1, 1.0, t0); err == nil {
		t.Fatal("expected buy fill on closed position to fail")
	}
	if err := p.TransitionStatus(StatusOpen, "", t0); err == nil {
		t.Fatal("expected closed -> open to be rejected")
	}
}

func TestPosition_CloneIsDeep(t *testing.T) {
	p := NewPosition("p1", testContract(), "", t0)
	_ = p.ApplyBuyFill(1, 2.0, t0)
	p.AddOrder("o1")

	cp := p.Clone()
	*cp.AvgEntry = 9
	cp.OrderIDs[0] = "changed"
	if *p.AvgEntry != 2.0 || p.OrderIDs[0] != "o1" {
		t.Fatalf("clone shares memory with original: %+v", p)
	}
}

func TestPosition_UnrealizedPnL(t *testing.T) {
	p := NewPosition("p1", testContract(), "", t0)
	if _, ok := p.UnrealizedPnL(1.0); ok {
		t.Fatal("expected no unrealized P&L before first fill")
	}
	_ = p.ApplyBuyFill(2, 1.20, t0)
	got, ok := p.UnrealizedPnL(1.0)
	if !ok || math.Abs(got-(-40)) > 1e-9 {
		t.Fatalf("UnrealizedPnL = %v,%v want -40,true", got, ok)
	}
}
