package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/example/companion-matching/internal/models"
)

// Splitter divides a shared trip cost between two travelers, placing a
// manual-capture hold on each half. If the second hold fails the first
// one is released so neither side is left charged alone.
type Splitter struct {
	holder Holder
}

func NewSplitter(h Holder) *Splitter {
	return &Splitter{holder: h}
}

// Split holds each traveler's share of totalCents. The local traveler
// pays the remainder when the total is odd.
func (s *Splitter) Split(ctx context.Context, travelerID, matchID string, totalCents int64, currency string) (models.CostSplit, error) {
	if totalCents <= 0 {
		return models.CostSplit{}, fmt.Errorf("invalid amount: %d", totalCents)
	}
	half := totalCents / 2
	localShare := totalCents - half

	localRef, err := s.holder.Hold(ctx, localShare, currency, travelerID)
	if err != nil {
		return models.CostSplit{}, fmt.Errorf("hold local share: %w", err)
	}
	matchRef, err := s.holder.Hold(ctx, half, currency, matchID)
	if err != nil {
		_ = s.holder.Cancel(ctx, localRef)
		return models.CostSplit{}, fmt.Errorf("hold match share: %w", err)
	}

	return models.CostSplit{
		ID:          newSplitID(),
		TravelerID:  travelerID,
		MatchID:     matchID,
		AmountCents: totalCents,
		Currency:    currency,
		HoldRefs:    []string{localRef, matchRef},
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Settle captures every hold backing the split.
func (s *Splitter) Settle(ctx context.Context, split models.CostSplit) error {
	for _, ref := range split.HoldRefs {
		if err := s.holder.Capture(ctx, ref); err != nil {
			return fmt.Errorf("capture %s: %w", ref, err)
		}
	}
	return nil
}

// Release cancels every hold backing the split.
func (s *Splitter) Release(ctx context.Context, split models.CostSplit) error {
	for _, ref := range split.HoldRefs {
		if err := s.holder.Cancel(ctx, ref); err != nil {
			return fmt.Errorf("cancel %s: %w", ref, err)
		}
	}
	return nil
}

func newSplitID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "split-unknown"
	}
	return "split-" + hex.EncodeToString(b)
}
