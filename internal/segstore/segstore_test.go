package segstore

import (
	"io"
	"os"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/segmentlog/jlog/internal/jlogerr"
)

const testMagic = 0x663A7318

func writeRecord(t *testing.T, dir string, id LogID, payload []byte) {
	t.Helper()
	s := New(dir)
	h, err := s.WriterSegment(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Lock(); err != nil {
		t.Fatal(err)
	}
	defer h.Unlock()
	off, err := h.Size()
	if err != nil {
		t.Fatal(err)
	}
	hdr := RecordHeader{Magic: testMagic, Mlen: uint32(len(payload))}
	if _, err := h.Pwrite(hdr.Encode(), off); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Pwrite(payload, off+HeaderSize); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestResyncAndReadRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	writeRecord(t, dir, 0, []byte("hello"))
	writeRecord(t, dir, 0, []byte("world"))

	s := New(dir)
	defer s.Close()

	last, closed, err := s.ResyncIndex(0, testMagic, 0)
	if err != nil {
		t.Fatal(err)
	}
	if closed {
		t.Fatal("segment equal to storage_log must not be closed")
	}
	if last.Marker != 2 {
		t.Fatalf("marker = %d, want 2", last.Marker)
	}

	hdr, payload, err := s.ReadMessage(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want %q", payload, "hello")
	}
	if hdr.Mlen != 5 {
		t.Fatalf("mlen = %d, want 5", hdr.Mlen)
	}

	_, payload2, err := s.ReadMessage(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload2) != "world" {
		t.Fatalf("payload = %q, want %q", payload2, "world")
	}
}

func TestResyncWithOneEntryThenAppend(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	writeRecord(t, dir, 0, []byte("hello"))

	s := New(dir)
	defer s.Close()

	// First resync builds a one-entry index (marker 1 only).
	last, closed, err := s.ResyncIndex(0, testMagic, 0)
	if err != nil {
		t.Fatal(err)
	}
	if closed {
		t.Fatal("segment equal to storage_log must not be closed")
	}
	if last.Marker != 1 {
		t.Fatalf("marker = %d, want 1", last.Marker)
	}

	writeRecord(t, dir, 0, []byte("world"))

	// Resyncing again with the index already holding exactly one entry
	// must advance past that entry's record rather than re-indexing it.
	last, closed, err = s.ResyncIndex(0, testMagic, 0)
	if err != nil {
		t.Fatal(err)
	}
	if closed {
		t.Fatal("segment equal to storage_log must not be closed")
	}
	if last.Marker != 2 {
		t.Fatalf("marker = %d, want 2 (second resync must not duplicate marker 1's entry)", last.Marker)
	}

	_, payload1, err := s.ReadMessage(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload1) != "hello" {
		t.Fatalf("marker 1 payload = %q, want %q", payload1, "hello")
	}

	_, payload2, err := s.ReadMessage(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload2) != "world" {
		t.Fatalf("marker 2 payload = %q, want %q", payload2, "world")
	}
}

func TestResyncClosesSegmentBelowStorageLog(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	writeRecord(t, dir, 0, []byte("only"))

	s := New(dir)
	defer s.Close()

	_, closed, err := s.ResyncIndex(0, testMagic, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Fatal("segment below storage_log must be closed on resync")
	}

	// A second resync must observe the already-closed marker without
	// rescanning the data file.
	_, closed2, err := s.ResyncIndex(0, testMagic, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !closed2 {
		t.Fatal("resync of an already-closed segment must report closed")
	}

	_, _, err = s.ReadMessage(0, 2)
	if !jlogerr.Is(err, jlogerr.CloseLogID) {
		t.Fatalf("expected CloseLogID reading past a closed segment's last marker, got %v", err)
	}
}

func TestResyncDetectsTornTail(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	writeRecord(t, dir, 0, []byte("complete"))

	// Append a truncated header: declares more payload than exists.
	f, err := os.OpenFile(DataPath(dir, 0), os.O_RDWR, 0640)
	if err != nil {
		t.Fatal(err)
	}
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		t.Fatal(err)
	}
	hdr := RecordHeader{Magic: testMagic, Mlen: 100}
	if _, err := f.WriteAt(hdr.Encode(), off); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	s := New(dir)
	defer s.Close()

	last, closed, err := s.ResyncIndex(0, testMagic, 1)
	if err != nil {
		t.Fatal(err)
	}
	if closed {
		t.Fatal("a segment with a torn tail must not be marked closed")
	}
	if last.Marker != 1 {
		t.Fatalf("marker = %d, want 1 (torn tail record must not be indexed)", last.Marker)
	}
}

func TestParseLogIDRoundTrip(t *testing.T) {
	for _, id := range []LogID{0, 1, 0xdeadbeef, 0xffffffff} {
		got, ok := ParseLogID(id.Name())
		if !ok {
			t.Fatalf("ParseLogID(%q) failed", id.Name())
		}
		if got != id {
			t.Fatalf("ParseLogID(%q) = %d, want %d", id.Name(), got, id)
		}
	}
	if _, ok := ParseLogID("not-hex-"); ok {
		t.Fatal("expected ParseLogID to reject non-hex name")
	}
	if _, ok := ParseLogID("abc"); ok {
		t.Fatal("expected ParseLogID to reject short name")
	}
}
