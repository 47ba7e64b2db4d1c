package platform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStableListSortedAndMissingDirIsEmpty(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := StableList(dir)
	if err != nil {
		t.Fatalf("StableList: %v", err)
	}
	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = e.Name()
	}
	want := []string{"a.txt", "b.txt", "c.txt"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	missing, err := StableList(filepath.Join(dir, "nope"))
	if err != nil {
		t.Errorf("StableList(missing) error = %v, want nil", err)
	}
	if len(missing) != 0 {
		t.Errorf("StableList(missing) = %v, want empty", missing)
	}
}

func TestHardlinkAndRetryOnExist(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	if err := os.WriteFile(src, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Hardlink(src, dst); err != nil {
		t.Fatalf("Hardlink: %v", err)
	}
	srcInfo, _ := os.Stat(src)
	dstInfo, _ := os.Stat(dst)
	if !os.SameFile(srcInfo, dstInfo) {
		t.Error("dst is not the same file as src")
	}

	// Linking again over a pre-existing dst should succeed via the
	// EEXIST-then-remove-then-retry path rather than erroring.
	if err := Hardlink(src, dst); err != nil {
		t.Fatalf("Hardlink over existing dst: %v", err)
	}
}

func TestCopyFileAtomicAndContentMatches(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	want := "hello world"
	if err := os.WriteFile(src, []byte(want), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CopyFile(src, dst, 0o644); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile(dst): %v", err)
	}
	if string(got) != want {
		t.Errorf("dst content = %q, want %q", got, want)
	}

	// No leftover temp files should remain alongside dst.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestTempSiblingUniquePerCall(t *testing.T) {
	final := "/var/tmp/example"
	a := TempSibling(final)
	b := TempSibling(final)
	if a == b {
		t.Errorf("TempSibling returned the same path twice: %s", a)
	}
	if !strings.HasPrefix(a, final+".tmp-") {
		t.Errorf("TempSibling(%q) = %q, want prefix %q", final, a, final+".tmp-")
	}
}

func TestAtomicPublishRenamesFile(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, "tmp")
	final := filepath.Join(dir, "final")
	if err := os.WriteFile(tmp, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := AtomicPublish(tmp, final); err != nil {
		t.Fatalf("AtomicPublish: %v", err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("tmp still exists after AtomicPublish")
	}
	if _, err := os.Stat(final); err != nil {
		t.Errorf("final does not exist after AtomicPublish: %v", err)
	}
}

func TestIdentityOfSameFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	id1 := IdentityOf(info)
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	id2 := IdentityOf(info2)
	if id1.Reliable && id2.Reliable && (id1.Dev != id2.Dev || id1.Ino != id2.Ino) {
		t.Errorf("IdentityOf differs across stats of the same file: %+v vs %+v", id1, id2)
	}
}
