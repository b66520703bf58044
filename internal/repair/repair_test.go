package repair

import (
	"os"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/segmentlog/jlog/internal/meta"
	"github.com/segmentlog/jlog/internal/segstore"
)

func writeRecords(t *testing.T, dir string, id segstore.LogID, payloads ...[]byte) {
	t.Helper()
	f, err := os.OpenFile(segstore.DataPath(dir, id), os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var off int64
	for _, p := range payloads {
		hdr := segstore.RecordHeader{Magic: meta.DefaultHdrMagic, Mlen: uint32(len(p))}
		if _, err := f.WriteAt(hdr.Encode(), off); err != nil {
			t.Fatal(err)
		}
		off += segstore.HeaderSize
		if _, err := f.WriteAt(p, off); err != nil {
			t.Fatal(err)
		}
		off += int64(len(p))
	}
}

func TestListSegments(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	for _, id := range []segstore.LogID{3, 1, 7} {
		if err := os.WriteFile(segstore.DataPath(dir, id), nil, 0640); err != nil {
			t.Fatal(err)
		}
	}
	// a non-segment file must be ignored.
	if err := os.WriteFile(dir+"/metastore", nil, 0640); err != nil {
		t.Fatal(err)
	}

	earliest, latest, found, err := ListSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected found=true")
	}
	if earliest != 1 || latest != 7 {
		t.Fatalf("earliest=%d latest=%d, want 1,7", earliest, latest)
	}
}

func TestRepairMetastoreRewritesMismatch(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	bad := make([]byte, 16)
	bad[0] = 0xff
	if err := os.WriteFile(dir+"/metastore", bad, 0640); err != nil {
		t.Fatal(err)
	}

	if err := RepairMetastore(dir, 9); err != nil {
		t.Fatal(err)
	}

	s := meta.New(dir)
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	d, err := s.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if d.StorageLog != 9 {
		t.Fatalf("storage_log = %d, want 9", d.StorageLog)
	}
	if d.UnitLimit != meta.DefaultUnitLimit || d.HdrMagic != meta.DefaultHdrMagic {
		t.Fatalf("metastore not rebuilt to defaults: %+v", d)
	}
}

func TestRepairMetastoreLeavesMatchAlone(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	s := meta.New(dir)
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	if err := s.Lock(); err != nil {
		t.Fatal(err)
	}
	want := meta.Data{StorageLog: 4, UnitLimit: meta.DefaultUnitLimit, Safety: uint32(meta.DefaultSafety), HdrMagic: meta.DefaultHdrMagic}
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}
	s.Unlock()
	s.Close()

	if err := RepairMetastore(dir, 4); err != nil {
		t.Fatal(err)
	}

	s2 := meta.New(dir)
	if err := s2.Open(); err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	d, err := s2.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if d != want {
		t.Fatalf("metastore mutated despite matching: %+v vs %+v", d, want)
	}
}

func TestRepairCheckpointNoFileIsSuccess(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	if err := RepairCheckpoint(dir, 3); err != nil {
		t.Fatal(err)
	}
}

func TestRepairCheckpointRewritesMismatch(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	bad := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	if err := os.WriteFile(dir+"/cp.616263", bad, 0640); err != nil {
		t.Fatal(err)
	}

	if err := RepairCheckpoint(dir, 2); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(dir + "/cp.616263")
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{2, 0, 0, 0, 0, 0, 0, 0}
	if string(b) != string(want) {
		t.Fatalf("checkpoint = %v, want %v", b, want)
	}
}

func TestRunAggressiveRemovesDirectory(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	if err := os.WriteFile(segstore.DataPath(dir, 0), nil, 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir+"/metastore", nil, 0640); err != nil {
		t.Fatal(err)
	}

	if err := Run(dir, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected directory to be removed, stat err = %v", err)
	}
}

func TestRepairDatafileRemovesCorruptRecord(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	writeRecords(t, dir, 0, []byte("one"), []byte("two"))

	// Corrupt the second record's header magic in place.
	f, err := os.OpenFile(segstore.DataPath(dir, 0), os.O_RDWR, 0640)
	if err != nil {
		t.Fatal(err)
	}
	secondHdrOff := int64(segstore.HeaderSize + len("one"))
	if _, err := f.WriteAt([]byte{0, 0, 0, 0}, secondHdrOff); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	n, err := RepairDatafile(dir, 0, meta.DefaultHdrMagic)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("holes removed = %d, want 1", n)
	}

	b, err := os.ReadFile(segstore.DataPath(dir, 0))
	if err != nil {
		t.Fatal(err)
	}
	wantLen := int64(segstore.HeaderSize + len("one"))
	if int64(len(b)) != wantLen {
		t.Fatalf("repaired file length = %d, want %d (corrupt trailing record dropped)", len(b), wantLen)
	}
	hdr := segstore.DecodeHeader(b[:segstore.HeaderSize])
	if hdr.Magic != meta.DefaultHdrMagic || hdr.Mlen != uint32(len("one")) {
		t.Fatalf("surviving record header wrong: %+v", hdr)
	}
}

func TestRepairDatafileEmptyFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	if err := os.WriteFile(segstore.DataPath(dir, 0), nil, 0640); err != nil {
		t.Fatal(err)
	}
	n, err := RepairDatafile(dir, 0, meta.DefaultHdrMagic)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("holes = %d, want 0 for empty file", n)
	}
}
