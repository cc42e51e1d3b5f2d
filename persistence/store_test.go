package persistence

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rigado/mesh"
)

func TestFileStore_Save(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "mesh.json")
	s := Capture(testManager(t), 42, false, map[mesh.Address]uint32{0x0001: 256})

	st := NewFileStore(fn)
	err := st.Save("3ecaff672f673370", s)
	if err != nil {
		t.Fatalf("expected nil error but got %s instead", err)
	}

	loaded, err := st.Load("3ecaff672f673370")
	if err != nil {
		t.Fatalf("expected to find network in store but did not: %s", err)
	}

	if !reflect.DeepEqual(s, loaded) {
		t.Fatalf("stored and loaded snapshots are not equal:\n%+v\n%+v", s, loaded)
	}

	if _, err := st.Load("unknown"); err == nil {
		t.Fatalf("expected error loading an unknown network")
	}

	fi, err := os.Stat(fn)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0600 {
		t.Fatalf("store file mode %v", fi.Mode().Perm())
	}
}

func TestFileStore_Delete(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "mesh.json")
	st := NewFileStore(fn)

	for _, id := range []string{"b", "a"} {
		if err := st.Save(id, &Snapshot{IVIndex: 1}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := st.Networks()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Fatalf("networks %v", ids)
	}

	if err := st.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if err := st.Delete("b"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(fn); !os.IsNotExist(err) {
		t.Fatalf("expected store file to be removed, got %v", err)
	}
}
