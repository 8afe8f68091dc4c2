package disk

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNewIsZeroed(t *testing.T) {
	d := New()
	if len(d.Sectors) != SectorCount {
		t.Fatalf("New() has %d sectors, want %d", len(d.Sectors), SectorCount)
	}
	flat := d.FlattenData()
	if len(flat) != FlatDataLen {
		t.Fatalf("FlattenData() length = %d, want %d", len(flat), FlatDataLen)
	}
	for _, b := range flat {
		if b != 0 {
			t.Fatal("expected fresh disk's flattened data to be all zero")
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	d := New()
	d.Sectors[0].ID[0] = 0xaa
	d.Sectors[5].Data[100] = 0x42
	d.Sectors[79].ID[11] = 0xff

	path := filepath.Join(t.TempDir(), "disk.img")
	if err := d.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if *got != *d {
		t.Fatalf("round-tripped disk does not match original")
	}
}

func TestLoadShortFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.img")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error loading a short disk file")
	}
}

func TestFlattenSetFlattenedRoundTrip(t *testing.T) {
	d := New()
	d.Sectors[3].ID = [SectorIDLen]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	v := bytes.Repeat([]byte{0xab}, FlatDataLen)
	d.SetFlattenedData(v)

	got := d.FlattenData()
	if !bytes.Equal(got, v) {
		t.Fatal("FlattenData(SetFlattenedData(v)) != v")
	}

	// Identifiers must be untouched.
	want := [SectorIDLen]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if d.Sectors[3].ID != want {
		t.Fatal("SetFlattenedData mutated a sector identifier")
	}
}

func TestSetFlattenedDataPadsAndTruncates(t *testing.T) {
	d := New()

	short := []byte{1, 2, 3}
	d.SetFlattenedData(short)
	flat := d.FlattenData()
	if len(flat) != FlatDataLen {
		t.Fatalf("FlattenData length = %d, want %d", len(flat), FlatDataLen)
	}
	if flat[0] != 1 || flat[1] != 2 || flat[2] != 3 {
		t.Fatal("short input was not copied into the front of the flat view")
	}
	for _, b := range flat[3:] {
		if b != 0 {
			t.Fatal("expected right-padding with zeros")
		}
	}

	long := bytes.Repeat([]byte{0xff}, FlatDataLen+100)
	d.SetFlattenedData(long)
	flat = d.FlattenData()
	if len(flat) != FlatDataLen {
		t.Fatalf("FlattenData length = %d, want %d", len(flat), FlatDataLen)
	}
	if !bytes.Equal(flat, bytes.Repeat([]byte{0xff}, FlatDataLen)) {
		t.Fatal("expected truncation of oversize input")
	}
}
