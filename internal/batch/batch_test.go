package batch

import (
	"errors"
	"testing"
)

func TestForEach_ContinuesPastFailures(t *testing.T) {
	var seen []int
	failed := ForEach("test", []int{1, 2, 3, 4},
		func(i int) string { return "item" },
		func(i int) error {
			seen = append(seen, i)
			if i%2 == 0 {
				return errors.New("boom")
			}
			return nil
		})

	if failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}
	if len(seen) != 4 {
		t.Errorf("visited %d items, want all 4", len(seen))
	}
}
