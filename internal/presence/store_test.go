package presence

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStore_Add(t *testing.T) {
	s := NewStore()
	s.Add("a")
	s.Add("b")
	s.Add("a")

	assert.Equal(t, []string{"a", "b"}, s.Members(), "expected duplicate add to be a no-op")
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("c"))
}

func TestStore_Remove(t *testing.T) {
	s := NewStore()
	s.Replace([]string{"a", "b", "c"})

	s.Remove("b")
	assert.Equal(t, []string{"a", "c"}, s.Members())
	assert.False(t, s.Contains("b"))

	s.Remove("missing")
	assert.Equal(t, []string{"a", "c"}, s.Members(), "expected removing an absent id to be a no-op")
}

func TestStore_Replace(t *testing.T) {
	s := NewStore()
	s.Add("stale")

	s.Replace([]string{"a", "b", "a"})
	assert.Equal(t, []string{"a", "b"}, s.Members(), "expected replace to collapse duplicates")
	assert.False(t, s.Contains("stale"), "expected replace to drop previous members")
}

func TestStore_ReplaceEmptyThenRemove(t *testing.T) {
	s := NewStore()
	s.Replace([]string{})

	calls := 0
	cancel := s.Subscribe(func([]string) { calls++ })
	defer cancel()

	s.Remove("x")
	assert.Empty(t, s.Members())
	assert.Equal(t, 0, calls, "expected no notification for a no-op remove")
}

func TestStore_SnapshotAddRemove(t *testing.T) {
	s := NewStore()
	s.Replace([]string{"a", "b"})
	s.Add("c")
	s.Remove("b")

	assert.ElementsMatch(t, []string{"a", "c"}, s.Members())
}

func TestStore_NeverDuplicates(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	rng := rand.New(rand.NewSource(1))
	s := NewStore()

	for i := 0; i < 1000; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(3) {
		case 0:
			s.Add(id)
		case 1:
			s.Remove(id)
		case 2:
			batch := make([]string, rng.Intn(6))
			for j := range batch {
				batch[j] = ids[rng.Intn(len(ids))]
			}
			s.Replace(batch)
		}

		seen := make(map[string]bool)
		for _, m := range s.Members() {
			if seen[m] {
				t.Fatalf("duplicate %q after %d operations: %v", m, i+1, s.Members())
			}
			seen[m] = true
		}
		assert.Len(t, seen, s.Len())
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore()

	var snapshots [][]string
	cancel := s.Subscribe(func(members []string) {
		snapshots = append(snapshots, members)
	})

	s.Replace([]string{"a"})
	s.Add("b")
	s.Add("b")
	s.Remove("a")

	assert.Equal(t, [][]string{{"a"}, {"a", "b"}, {"b"}}, snapshots)

	cancel()
	s.Add("c")
	assert.Len(t, snapshots, 3, "expected no notifications after cancel")
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()
	done := make(chan struct{})

	for w := 0; w < 4; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("user-%d", i%10)
				if (i+w)%2 == 0 {
					s.Add(id)
				} else {
					s.Remove(id)
				}
				s.Contains(id)
			}
		}(w)
	}

	for w := 0; w < 4; w++ {
		<-done
	}

	assert.LessOrEqual(t, s.Len(), 10)
}
