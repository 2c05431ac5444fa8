package progress_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/etf-validator/etfd/internal/progress"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	t.Parallel()
	tr := progress.New(5)

	d := tr.Read(0)
	require.Equal(t, progress.Delta{Completed: 0, Max: 5}, d)

	tr.Log("Test Run started")
	tr.Step("step 1")
	tr.Step("step 2")

	type then struct {
		completed int
		messages  []string
	}
	var testCases = []struct {
		scenario string
		given    int
		then     then
	}{
		{"from start", 0, then{2, []string{"Test Run started", "step 1", "step 2"}}},
		{"negative", -3, then{2, []string{"Test Run started", "step 1", "step 2"}}},
		{"middle", 2, then{2, []string{"step 2"}}},
		{"end", 3, then{2, nil}},
		{"past end", 42, then{2, nil}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			d := tr.Read(tc.given)
			require.Equal(t, tc.then.completed, d.Completed)
			require.Equal(t, 5, d.Max)
			require.Equal(t, tc.then.messages, d.Messages)
		})
	}
}

func TestReadIdempotent(t *testing.T) {
	t.Parallel()
	tr := progress.New(3)
	tr.Step("a")
	first := tr.Read(0)
	second := tr.Read(0)
	require.Equal(t, first, second)

	// returned slices are copies
	first.Messages[0] = "changed"
	require.Equal(t, []string{"a"}, tr.Read(0).Messages)
}

func TestCursorMonotonic(t *testing.T) {
	t.Parallel()
	tr := progress.New(100)
	cursor := 0
	var seen []string
	for i := range 10 {
		tr.Step(fmt.Sprintf("step %d", i))
		if i%3 == 0 {
			tr.Log("note")
		}
		d := tr.Read(cursor)
		require.GreaterOrEqual(t, cursor+len(d.Messages), cursor)
		seen = append(seen, d.Messages...)
		cursor += len(d.Messages)
	}
	require.Equal(t, tr.Snapshot().Len, cursor)
	require.Len(t, seen, cursor)
}

func TestMaxGrowsOnly(t *testing.T) {
	t.Parallel()
	tr := progress.New(2)
	tr.SetMax(1)
	require.Equal(t, 2, tr.Snapshot().Max)

	tr.Step("")
	tr.Step("")
	tr.Step("")
	s := tr.Snapshot()
	require.Equal(t, 3, s.Completed)
	require.Equal(t, 3, s.Max)
	require.Zero(t, s.Len)
	require.InDelta(t, 1.0, s.Percent(), 0.0001)

	tr.SetMax(6)
	require.InDelta(t, 0.5, tr.Snapshot().Percent(), 0.0001)
	tr.Complete()
	require.Equal(t, 6, tr.Snapshot().Completed)
}

func TestPercentNoSteps(t *testing.T) {
	t.Parallel()
	require.Zero(t, progress.New(0).Snapshot().Percent())
}

func TestStart(t *testing.T) {
	t.Parallel()
	tr := progress.New(1)
	now := time.Now()
	tr.Start(now)
	tr.Start(now.Add(time.Hour))
	require.Equal(t, now, tr.Snapshot().Started)
}

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()
	tr := progress.New(1000)
	var wg sync.WaitGroup
	wg.Go(func() {
		for i := range 1000 {
			tr.Step(fmt.Sprintf("step %d", i))
		}
	})
	for range 4 {
		wg.Go(func() {
			cursor := 0
			for cursor < 1000 {
				d := tr.Read(cursor)
				for i, msg := range d.Messages {
					require.Equal(t, fmt.Sprintf("step %d", cursor+i), msg)
				}
				cursor += len(d.Messages)
			}
		})
	}
	wg.Wait()
}
