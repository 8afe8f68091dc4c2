package machine

import (
	"reflect"
	"testing"

	"github.com/kh940fdc/kh940fdc/pkg/pattern"
)

func samplePattern(number, width, height uint16) *pattern.Pattern {
	rows := make([][]bool, height)
	for y := range rows {
		row := make([]bool, width)
		for x := range row {
			row[x] = (x+y+int(number))%3 == 0
		}
		rows[y] = row
	}
	memo := make([]byte, pattern.MemoSize(height))
	for i := range memo {
		memo[i] = byte(number + uint16(i))
	}
	return &pattern.Pattern{Number: number, Width: width, Height: height, Rows: rows, Memo: memo}
}

func TestSerializeEmptyMachineLength(t *testing.T) {
	ms := New()
	out, err := ms.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if len(out) != ImageLen {
		t.Fatalf("Serialize() length = %d, want %d", len(out), ImageLen)
	}
}

func TestSerializeFromMemoryDumpRoundTrip(t *testing.T) {
	ms := New()
	ms.AddPattern(samplePattern(101, 12, 8))
	ms.AddPattern(samplePattern(42, 20, 4))
	ms.SetLoadedPattern(101)

	image, err := ms.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	decoded, err := FromMemoryDump(image)
	if err != nil {
		t.Fatalf("FromMemoryDump: %v", err)
	}

	if decoded.LoadedPattern() != 101 {
		t.Fatalf("LoadedPattern() = %d, want 101", decoded.LoadedPattern())
	}

	got := decoded.Patterns()
	want := ms.Patterns()
	if len(got) != len(want) {
		t.Fatalf("decoded %d patterns, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Number != want[i].Number || got[i].Width != want[i].Width || got[i].Height != want[i].Height {
			t.Fatalf("pattern %d: got %+v, want %+v", i, got[i], want[i])
		}
		if !reflect.DeepEqual(got[i].Rows, want[i].Rows) {
			t.Fatalf("pattern %d: rows mismatch", want[i].Number)
		}
		if !reflect.DeepEqual(got[i].Memo, want[i].Memo) {
			t.Fatalf("pattern %d: memo mismatch", want[i].Number)
		}
	}
}

func TestAddPatternReplacesExisting(t *testing.T) {
	ms := New()
	ms.AddPattern(samplePattern(5, 4, 4))
	replacement := samplePattern(5, 8, 8)
	ms.AddPattern(replacement)

	got := ms.Patterns()
	if len(got) != 1 {
		t.Fatalf("expected 1 pattern after replace, got %d", len(got))
	}
	if got[0].Width != 8 || got[0].Height != 8 {
		t.Fatalf("expected replacement pattern to win, got %+v", got[0])
	}
}

func TestPatternsSortedByNumber(t *testing.T) {
	ms := New()
	ms.AddPattern(samplePattern(30, 4, 2))
	ms.AddPattern(samplePattern(10, 4, 2))
	ms.AddPattern(samplePattern(20, 4, 2))

	got := ms.Patterns()
	for i := 1; i < len(got); i++ {
		if got[i-1].Number >= got[i].Number {
			t.Fatalf("Patterns() not sorted: %v", got)
		}
	}
}

func TestFromMemoryDumpRejectsShortDump(t *testing.T) {
	if _, err := FromMemoryDump(make([]byte, 100)); err == nil {
		t.Fatal("expected error for short memory dump")
	}
}

func TestFromMemoryDumpPreservesOpaqueRegions(t *testing.T) {
	image := make([]byte, ImageLen)
	for i := data0Start; i < data0End; i++ {
		image[i] = byte(i)
	}
	for i := data2Start; i < data2End; i++ {
		image[i] = byte(i)
	}

	ms, err := FromMemoryDump(image)
	if err != nil {
		t.Fatalf("FromMemoryDump: %v", err)
	}

	out, err := ms.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	for i := data0Start; i < data0End; i++ {
		if out[i] != byte(i) {
			t.Fatalf("data0 byte %d not preserved: got %x, want %x", i, out[i], byte(i))
		}
	}
	for i := data2Start; i < data2End; i++ {
		if out[i] != byte(i) {
			t.Fatalf("data2 byte %d not preserved: got %x, want %x", i, out[i], byte(i))
		}
	}
}
