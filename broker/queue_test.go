package broker

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/suffragium/suffragium/types"
)

func TestQueueOrdering(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(10)

	base := time.Now()
	low := types.NewBallotID()
	normalOld := types.NewBallotID()
	normalNew := types.NewBallotID()
	critical := types.NewBallotID()

	c.Assert(q.Enqueue(low, types.PriorityLow, base), qt.IsNil)
	c.Assert(q.Enqueue(normalNew, types.PriorityNormal, base.Add(time.Second)), qt.IsNil)
	c.Assert(q.Enqueue(normalOld, types.PriorityNormal, base), qt.IsNil)
	c.Assert(q.Enqueue(critical, types.PriorityCritical, base.Add(time.Minute)), qt.IsNil)

	// Strict priority first, FIFO by arrival within a priority.
	c.Assert(q.Dequeue().BallotID, qt.DeepEquals, critical)
	c.Assert(q.Dequeue().BallotID, qt.DeepEquals, normalOld)
	c.Assert(q.Dequeue().BallotID, qt.DeepEquals, normalNew)
	c.Assert(q.Dequeue().BallotID, qt.DeepEquals, low)
	c.Assert(q.Dequeue(), qt.IsNil)
}

func TestQueueFull(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(2)

	c.Assert(q.Enqueue(types.NewBallotID(), types.PriorityNormal, time.Now()), qt.IsNil)
	c.Assert(q.Enqueue(types.NewBallotID(), types.PriorityNormal, time.Now()), qt.IsNil)
	c.Assert(q.Full(), qt.IsTrue)
	err := q.Enqueue(types.NewBallotID(), types.PriorityCritical, time.Now())
	c.Assert(err, qt.ErrorIs, ErrQueueFull)
	c.Assert(q.Len(), qt.Equals, 2)
}

func TestQueueDuplicateEnqueue(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(2)

	id := types.NewBallotID()
	c.Assert(q.Enqueue(id, types.PriorityNormal, time.Now()), qt.IsNil)
	// Same ballotId again: success no-op, no second slot consumed.
	c.Assert(q.Enqueue(id, types.PriorityHigh, time.Now()), qt.IsNil)
	c.Assert(q.Len(), qt.Equals, 1)

	// After dequeue the ballotId may be queued again.
	c.Assert(q.Dequeue().BallotID, qt.DeepEquals, id)
	c.Assert(q.Enqueue(id, types.PriorityNormal, time.Now()), qt.IsNil)
}

func TestQueueSignal(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(4)

	c.Assert(q.Enqueue(types.NewBallotID(), types.PriorityNormal, time.Now()), qt.IsNil)
	select {
	case <-q.Signal():
	default:
		c.Fatal("expected a queue signal after enqueue")
	}
}

func TestQueueDrain(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(4)

	for range 3 {
		c.Assert(q.Enqueue(types.NewBallotID(), types.PriorityNormal, time.Now()), qt.IsNil)
	}
	drained := q.Drain()
	c.Assert(drained, qt.HasLen, 3)
	c.Assert(q.Len(), qt.Equals, 0)
}
