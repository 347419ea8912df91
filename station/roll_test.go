package station

import (
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestRollAuthorize(t *testing.T) {
	c := qt.New(t)
	roll := NewRoll([]string{"V1", "V2"}, []string{"V2"})

	unlock := roll.Lock("V1")
	c.Assert(roll.Authorize("V1"), qt.IsNil)
	roll.MarkVoted("V1")
	unlock()

	unlock = roll.Lock("V1")
	c.Assert(roll.Authorize("V1"), qt.ErrorIs, ErrAlreadyVoted)
	unlock()

	unlock = roll.Lock("V2")
	c.Assert(roll.Authorize("V2"), qt.ErrorIs, ErrAlreadyVoted)
	unlock()

	unlock = roll.Lock("V9")
	c.Assert(roll.Authorize("V9"), qt.ErrorIs, ErrNotOnRoll)
	unlock()

	c.Assert(roll.Size(), qt.Equals, 2)
	c.Assert(roll.VotedCount(), qt.Equals, 2)
}

func TestRollConcurrentSameVoter(t *testing.T) {
	c := qt.New(t)
	roll := NewRoll([]string{"V1"}, nil)

	const tries = 32
	var authorized int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range tries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := roll.Lock("V1")
			defer unlock()
			if err := roll.Authorize("V1"); err == nil {
				roll.MarkVoted("V1")
				mu.Lock()
				authorized++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	c.Assert(authorized, qt.Equals, 1)
}
