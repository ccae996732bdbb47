package ledger

import "sync"

// =============================================================================
// SEQUENCER - One writer per loan
// =============================================================================

// Sequencer hands out an ownership token per loan. Holders of the token for
// loan A never block holders of the token for loan B; two appends to the
// same loan run one after the other, so each sees the full prior history
// when it is classified.
//
// Slots are reference counted and dropped once nobody holds or waits on them,
// so the map stays proportional to the number of loans being written.
type Sequencer struct {
	mu    sync.Mutex
	slots map[LoanID]*loanSlot
}

type loanSlot struct {
	mu   sync.Mutex
	refs int
}

func NewSequencer() *Sequencer {
	return &Sequencer{slots: make(map[LoanID]*loanSlot)}
}

// Acquire blocks until the caller owns the loan and returns the release func.
func (s *Sequencer) Acquire(loanID LoanID) (release func()) {
	s.mu.Lock()
	slot, ok := s.slots[loanID]
	if !ok {
		slot = &loanSlot{}
		s.slots[loanID] = slot
	}
	slot.refs++
	s.mu.Unlock()

	slot.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			slot.mu.Unlock()
			s.mu.Lock()
			slot.refs--
			if slot.refs == 0 {
				delete(s.slots, loanID)
			}
			s.mu.Unlock()
		})
	}
}

// Active returns the number of loans currently held or awaited.
func (s *Sequencer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
