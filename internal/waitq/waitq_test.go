package waitq

import "testing"

type counter struct{ n int }

func (c *counter) Wake() { c.n++ }

func TestQueue(t *testing.T) {
	t.Run("notify advances sequence", func(t *testing.T) {
		var q Queue
		seq := q.Seq()
		if q.Changed(seq) {
			t.Fatal("changed before notify")
		}
		q.Notify()
		if !q.Changed(seq) {
			t.Fatal("unchanged after notify")
		}
	})

	t.Run("wakes registered waiters", func(t *testing.T) {
		var q Queue
		a, b := &counter{}, &counter{}
		q.Add(a)
		q.Add(b)
		q.Add(a)
		if q.Len() != 2 {
			t.Fatalf("Len() = %d, want 2", q.Len())
		}
		q.Notify()
		q.Remove(b)
		q.Notify()
		if a.n != 2 || b.n != 1 {
			t.Errorf("wakes a=%d b=%d, want 2 and 1", a.n, b.n)
		}
	})

	t.Run("notify all skips nil", func(t *testing.T) {
		var q Queue
		c := &counter{}
		q.Add(c)
		NotifyAll(nil, &q)
		if c.n != 1 {
			t.Errorf("wakes = %d, want 1", c.n)
		}
	})
}
