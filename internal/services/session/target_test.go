package session

import (
	"testing"

	"mediastream/internal/domain"
	"mediastream/internal/scheduler"
)

func TestSelectTargetPicksLargestMediaFile(t *testing.T) {
	files := []domain.FileRef{
		{Index: 0, Path: "pack/big.iso", Length: 9000},
		{Index: 1, Path: "pack/clip.MKV", Length: 700},
		{Index: 2, Path: "pack/trailer.mp4", Length: 300},
		{Index: 3, Path: "pack/subs.srt", Length: 5},
	}
	got, ok := selectTarget(files)
	if !ok || got.Index != 1 {
		t.Fatalf("got %+v, %v", got, ok)
	}
	if _, ok := selectTarget([]domain.FileRef{{Path: "a.txt", Length: 10}}); ok {
		t.Fatal("non-media file selected")
	}
}

func TestReadablePrefix(t *testing.T) {
	have := func(set ...int) func(int) bool {
		m := map[int]bool{}
		for _, i := range set {
			m[i] = true
		}
		return func(i int) bool { return m[i] }
	}
	file := domain.FileRef{Offset: 150, Length: 1000}

	tests := []struct {
		name string
		have func(int) bool
		want int64
	}{
		{"nothing", have(), 0},
		{"first unit", have(1), 50},
		{"gap stops prefix", have(1, 2, 4), 150},
		{"all units", have(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11), 1000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := readablePrefix(file, 100, 12, tc.have); got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
	if got := readablePrefix(domain.FileRef{Length: 0}, 100, 12, have(0)); got != 0 {
		t.Fatalf("empty file = %d", got)
	}
}

func TestSourcePosition(t *testing.T) {
	file := domain.FileRef{Offset: 200, Length: 800}
	if got := sourcePosition(file, 0, 100, 10); got != 0.2 {
		t.Fatalf("start = %v, want 0.2", got)
	}
	if got := sourcePosition(file, 0.5, 100, 10); got != 0.6 {
		t.Fatalf("middle = %v, want 0.6", got)
	}
	if got := scheduler.TargetUnit(sourcePosition(file, 1, 100, 10), 10); got != 9 {
		t.Fatalf("end maps to unit %d, want 9", got)
	}
	if got := sourcePosition(domain.FileRef{}, 0.3, 100, 10); got != 0.3 {
		t.Fatalf("unknown file = %v", got)
	}
}
