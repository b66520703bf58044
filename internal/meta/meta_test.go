package meta

import (
	"os"
	"testing"

	"github.com/grailbio/testutil"
)

func TestCreateAndReload(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	s := New(dir)
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	d, err := s.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if d.UnitLimit != DefaultUnitLimit {
		t.Fatalf("unit_limit = %d, want %d", d.UnitLimit, DefaultUnitLimit)
	}
	if d.Safety != uint32(DefaultSafety) {
		t.Fatalf("safety = %d, want %d", d.Safety, DefaultSafety)
	}
	if d.HdrMagic != DefaultHdrMagic {
		t.Fatalf("hdr_magic = %#x, want %#x", d.HdrMagic, DefaultHdrMagic)
	}
}

func TestAlterBeforeOpenQueuesTemplate(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	s := New(dir)
	if err := s.AlterUnitLimit(1 << 10); err != nil {
		t.Fatal(err)
	}
	if err := s.AlterSafety(Safe); err != nil {
		t.Fatal(err)
	}
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	d, err := s.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if d.UnitLimit != 1<<10 {
		t.Fatalf("unit_limit = %d, want %d", d.UnitLimit, 1<<10)
	}
	if d.Safety != uint32(Safe) {
		t.Fatalf("safety = %d, want %d", d.Safety, Safe)
	}
}

func TestAlterAfterOpenPersists(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	s := New(dir)
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.AlterUnitLimit(2048); err != nil {
		t.Fatal(err)
	}

	s2 := New(dir)
	if err := s2.Open(); err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	d, err := s2.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if d.UnitLimit != 2048 {
		t.Fatalf("unit_limit = %d, want 2048", d.UnitLimit)
	}
}

func TestLegacyUpgrade(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	path := dir + "/metastore"
	legacy := make([]byte, 12)
	// storage_log=5, unit_limit=4096, safety=1 (ALMOST_SAFE), little-endian.
	legacy[0] = 5
	legacy[4] = 0
	legacy[5] = 0x10
	legacy[8] = 1
	if err := os.WriteFile(path, legacy, 0640); err != nil {
		t.Fatal(err)
	}

	s := New(dir)
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	d, err := s.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if d.StorageLog != 5 {
		t.Fatalf("storage_log = %d, want 5", d.StorageLog)
	}
	if d.HdrMagic != 0 {
		t.Fatalf("hdr_magic = %#x, want 0 (legacy upgrade rule)", d.HdrMagic)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 16 {
		t.Fatalf("metastore size after upgrade = %d, want 16", fi.Size())
	}
}

func TestRejectsBadSize(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	path := dir + "/metastore"
	if err := os.WriteFile(path, make([]byte, 7), 0640); err != nil {
		t.Fatal(err)
	}
	s := New(dir)
	if err := s.Open(); err == nil {
		t.Fatal("expected error opening malformed metastore")
	}
}
