package rangesplit

import "testing"

func TestSplit_Invalid(t *testing.T) {
	if _, err := Split(10, 5, 2); err == nil {
		t.Fatal("expected error for end < start")
	}
}

func TestSplit_Partition(t *testing.T) {
	for _, tc := range [...]struct {
		name       string
		start, end int
		n          int
		wantLen    int
	}{
		{"happy path scenario 1", 0, 9, 2, 2},
		{"n larger than frames", 0, 3, 10, 4},
		{"single frame", 5, 5, 4, 1},
		{"uneven split", 0, 10, 3, 3},
		{"n zero treated as one", 0, 9, 0, 1},
		{"n negative treated as one", 0, 9, -3, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			subs, err := Split(tc.start, tc.end, tc.n)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(subs) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(subs), tc.wantLen)
			}

			// no gaps, no overlaps, full coverage
			covered := make(map[int]bool)
			cursor := tc.start
			for i, s := range subs {
				if s.Index != i {
					t.Errorf("subrange %d has index %d", i, s.Index)
				}
				if s.Start > s.End {
					t.Errorf("subrange %d empty: start=%d end=%d", i, s.Start, s.End)
				}
				if s.Start != cursor {
					t.Errorf("subrange %d starts at %d, want %d (gap/overlap)", i, s.Start, cursor)
				}
				for f := s.Start; f <= s.End; f++ {
					if covered[f] {
						t.Errorf("frame %d covered twice", f)
					}
					covered[f] = true
				}
				cursor = s.End + 1
			}
			if cursor != tc.end+1 {
				t.Errorf("last subrange ends at %d, want %d", cursor-1, tc.end)
			}
			if len(covered) != tc.end-tc.start+1 {
				t.Errorf("covered %d frames, want %d", len(covered), tc.end-tc.start+1)
			}
		})
	}
}

func TestSplit_ExtraFramesFront(t *testing.T) {
	// 10 frames over 3 workers -> sizes 4,3,3 (first (10 mod 3)=1 subrange gets the extra frame)
	subs, err := Split(0, 9, 3)
	if err != nil {
		t.Fatal(err)
	}
	sizes := make([]int, len(subs))
	for i, s := range subs {
		sizes[i] = s.End - s.Start + 1
	}
	want := []int{4, 3, 3}
	if len(sizes) != len(want) {
		t.Fatalf("got %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("got %v, want %v", sizes, want)
		}
	}
}
