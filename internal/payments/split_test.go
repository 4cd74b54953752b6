package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeHolder struct {
	holds    []int64
	failFrom int // fail the Nth hold onward (1-based, 0 = never)
	canceled []string
	captured []string
}

func (f *fakeHolder) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	if f.failFrom > 0 && len(f.holds)+1 >= f.failFrom {
		return "", errors.New("card declined")
	}
	f.holds = append(f.holds, amount)
	return fmt.Sprintf("pi_%d", len(f.holds)), nil
}

func (f *fakeHolder) Capture(ctx context.Context, ref string) error {
	f.captured = append(f.captured, ref)
	return nil
}

func (f *fakeHolder) Cancel(ctx context.Context, ref string) error {
	f.canceled = append(f.canceled, ref)
	return nil
}

func TestSplitHoldsBothShares(t *testing.T) {
	f := &fakeHolder{}
	s := NewSplitter(f)
	split, err := s.Split(context.Background(), "t1", "t2", 1001, "usd")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(f.holds) != 2 || f.holds[0] != 501 || f.holds[1] != 500 {
		t.Fatalf("unexpected shares: %v", f.holds)
	}
	if len(split.HoldRefs) != 2 {
		t.Fatalf("expected 2 hold refs, got %v", split.HoldRefs)
	}
	if split.AmountCents != 1001 || split.TravelerID != "t1" || split.MatchID != "t2" {
		t.Fatalf("unexpected split: %+v", split)
	}
}

func TestSplitRollsBackFirstHoldOnSecondFailure(t *testing.T) {
	f := &fakeHolder{failFrom: 2}
	s := NewSplitter(f)
	if _, err := s.Split(context.Background(), "t1", "t2", 1000, "usd"); err == nil {
		t.Fatal("expected error when second hold fails")
	}
	if len(f.canceled) != 1 || f.canceled[0] != "pi_1" {
		t.Fatalf("expected first hold released, got %v", f.canceled)
	}
}

func TestSplitRejectsNonPositiveAmount(t *testing.T) {
	s := NewSplitter(&fakeHolder{})
	if _, err := s.Split(context.Background(), "t1", "t2", 0, "usd"); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestSettleCapturesAllHolds(t *testing.T) {
	f := &fakeHolder{}
	s := NewSplitter(f)
	split, err := s.Split(context.Background(), "t1", "t2", 1000, "usd")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if err := s.Settle(context.Background(), split); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(f.captured) != 2 {
		t.Fatalf("expected both holds captured, got %v", f.captured)
	}
}
