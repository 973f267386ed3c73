package billing

import (
	"fmt"
	"sort"

	apperrors "github.com/brigadehq/brigade/internal/platform/errors"
)

// PlanEntry is one planned application of payment cents to a charge.
type PlanEntry struct {
	ChargeID    string
	AmountCents int64
}

// Plan deterministically distributes amountCents across the outstanding
// charges, oldest charge first. When preferredParticipant is non-empty, that
// participant's own charges are exhausted first (still oldest-first) before
// the remaining charges are considered in global creation order.
//
// The returned surplus is whatever the payment could not apply; it is never
// folded into an allocation. Plan never over-allocates: the sum of entries
// equals min(amountCents, total outstanding).
func Plan(charges []Charge, amountCents int64, preferredParticipant string) ([]PlanEntry, int64, error) {
	if amountCents <= 0 {
		return nil, 0, apperrors.New(apperrors.CodePaymentInvalidAmount,
			fmt.Sprintf("payment amount must be positive, got %d", amountCents))
	}
	for _, charge := range charges {
		if charge.SettledCents > charge.AmountCents {
			return nil, 0, apperrors.WithMetadata(apperrors.CodeAllocationExceedsCharge,
				"charge settled balance exceeds face amount",
				map[string]string{"charge_id": charge.ID})
		}
	}

	ordered := make([]Charge, len(charges))
	copy(ordered, charges)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	remaining := amountCents
	var entries []PlanEntry
	take := func(match func(Charge) bool) {
		for i := range ordered {
			if remaining == 0 {
				return
			}
			charge := &ordered[i]
			if !match(*charge) {
				continue
			}
			outstanding := charge.OutstandingCents()
			if outstanding <= 0 {
				continue
			}
			applied := min(remaining, outstanding)
			entries = append(entries, PlanEntry{ChargeID: charge.ID, AmountCents: applied})
			charge.SettledCents += applied
			remaining -= applied
		}
	}

	if preferredParticipant != "" {
		take(func(c Charge) bool { return c.ParticipantID == preferredParticipant })
	}
	take(func(Charge) bool { return true })

	return entries, remaining, nil
}
