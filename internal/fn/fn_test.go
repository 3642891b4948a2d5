package fn

import (
	"slices"
	"testing"
)

func TestT(t *testing.T) {
	if T(true, 1, 2) != 1 || T(false, "a", "b") != "b" {
		t.Error("T picked the wrong branch")
	}
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys(map[string]int{"udp-1": 1, "tcp-2": 2, "tcp-10": 3})
	if want := []string{"tcp-10", "tcp-2", "udp-1"}; !slices.Equal(got, want) {
		t.Errorf("SortedKeys = %v, want %v", got, want)
	}
	if len(SortedKeys(map[int]bool{})) != 0 {
		t.Error("expected no keys")
	}
}
