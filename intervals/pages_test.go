package intervals

import "testing"

func TestSplitByPageSize(t *testing.T) {
	s := FromSnapshot([]IndexRange{{From: 5, To: 25}})
	pages := SplitByPageSize(s, 10)
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	want := [][]IndexRange{
		{{From: 5, To: 9}},
		{{From: 10, To: 19}},
		{{From: 20, To: 25}},
	}
	for i, page := range pages {
		ranges, _ := page.Snapshot()
		if len(ranges) != 1 || ranges[0] != want[i][0] {
			t.Fatalf("page %d: got %v, want %v", i, ranges, want[i])
		}
	}
}

func TestSplitByPageSizeEmpty(t *testing.T) {
	if pages := SplitByPageSize(New(), 10); pages != nil {
		t.Fatalf("expected nil for empty set, got %v", pages)
	}
}
