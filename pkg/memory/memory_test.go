package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestRecentOrder(t *testing.T) {
	r := New(10)
	r.Append(Entry{Role: "assistant", Text: "one"})
	r.Append(Entry{Role: "assistant", Text: "two"})
	r.Append(Entry{Role: "assistant", Text: "three"})

	want := []Entry{{"assistant", "two"}, {"assistant", "three"}}
	if diff := cmp.Diff(want, r.Recent(2)); diff != "" {
		t.Errorf("Recent(2) mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, r.Recent(50), 3)
	assert.Empty(t, r.Recent(0))
}

func TestEvictsOldest(t *testing.T) {
	r := New(3)
	for i := 0; i < 5; i++ {
		r.Append(Entry{Role: "assistant", Text: fmt.Sprint(i)})
	}
	assert.Equal(t, 3, r.Len())
	got := r.Recent(10)
	assert.Equal(t, []Entry{{"assistant", "2"}, {"assistant", "3"}, {"assistant", "4"}}, got)
}

func TestDefaultCapacity(t *testing.T) {
	r := New(0)
	for i := 0; i < DefaultCapacity+5; i++ {
		r.Append(Entry{Role: "assistant", Text: "x"})
	}
	assert.Equal(t, DefaultCapacity, r.Len())
}

func TestConcurrentAppend(t *testing.T) {
	r := New(100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Append(Entry{Role: "assistant", Text: "hi"})
			r.Recent(5)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}
