package tracker

import (
	"github.com/skalibog/altmap/pkg/models"
)

// Resolution is the outcome of matching a new signal against the stored set.
type Resolution struct {
	// Signal is the new signal, annotated when it repeats an open one.
	Signal models.TradeSignal
	// Updated is the stored set after cancellations and resignal counts.
	// The new signal is not part of it.
	Updated []models.TradeSignal
	// Canceled holds open signals closed by an opposite-direction signal.
	Canceled []models.TradeSignal
	// ResignalOf is the open signal the new one repeats, nil otherwise.
	ResignalOf *models.TradeSignal
}

const resignalNote = "Resignal: extension of the open signal"

// Resolve checks newSig against every open signal on the same pair. An
// opposite direction cancels the open one. The same direction keeps it open
// and tags the new signal as a resignal instead of a second position.
func Resolve(newSig models.TradeSignal, signals []models.TradeSignal) Resolution {
	res := Resolution{
		Signal:  newSig,
		Updated: make([]models.TradeSignal, len(signals)),
	}
	copy(res.Updated, signals)

	for i := range res.Updated {
		s := &res.Updated[i]
		if s.Status != models.StatusOpen || s.Pair != newSig.Pair {
			continue
		}
		if s.Direction != newSig.Direction {
			s.Status = models.StatusCanceled
			at := newSig.SentAt
			s.ClosedAt = &at
			res.Canceled = append(res.Canceled, *s)
			continue
		}
		// newest first: the first match is the one to extend
		if res.ResignalOf != nil {
			continue
		}
		s.Resignals++
		existing := *s
		res.ResignalOf = &existing
		res.Signal.Resignal = true
		if res.Signal.Assessment == "" {
			res.Signal.Assessment = resignalNote
		} else {
			res.Signal.Assessment = resignalNote + ". " + res.Signal.Assessment
		}
	}
	return res
}
