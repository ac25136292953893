package keyshare

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pushchain/tss-relay/tss/threshold"
)

func testArtifact() *threshold.KeyShareArtifact {
	return &threshold.KeyShareArtifact{
		Version:   threshold.ArtifactVersion,
		Curve:     "secp256k1",
		Index:     2,
		Threshold: 1,
		Parties:   3,
		PublicKey: "02" + strings.Repeat("ab", 32),
		Share:     []byte("opaque key material"),
	}
}

func TestStore_CreateAndLoad(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "local-share2.json")
		store := NewStore("")

		if err := store.Create(path, testArtifact()); err != nil {
			t.Fatalf("Create() error = %v, want nil", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("failed to stat keyshare file: %v", err)
		}
		if info.Mode().Perm() != os.FileMode(filePerms) {
			t.Errorf("keyshare file permissions = %v, want %v", info.Mode().Perm(), os.FileMode(filePerms))
		}

		raw, _ := os.ReadFile(path)
		if !strings.Contains(string(raw), `"public_key"`) {
			t.Errorf("plain artifact should be readable JSON, got %s", raw)
		}

		got, err := store.Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v, want nil", err)
		}
		if !reflect.DeepEqual(got, testArtifact()) {
			t.Errorf("Load() = %+v, want %+v", got, testArtifact())
		}
	})

	t.Run("encrypted", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "share.json")
		store := NewStore("correct horse")

		if err := store.Create(path, testArtifact()); err != nil {
			t.Fatalf("Create() error = %v, want nil", err)
		}

		raw, _ := os.ReadFile(path)
		if strings.Contains(string(raw), "opaque key material") || strings.Contains(string(raw), "public_key") {
			t.Error("encrypted artifact leaks plaintext")
		}

		got, err := store.Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v, want nil", err)
		}
		if !reflect.DeepEqual(got, testArtifact()) {
			t.Errorf("Load() = %+v, want %+v", got, testArtifact())
		}

		if _, err := NewStore("wrong").Load(path); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Load() with wrong password error = %v, want %v", err, ErrDecryptionFailed)
		}
		if _, err := NewStore("").Load(path); !errors.Is(err, ErrPasswordRequired) {
			t.Errorf("Load() without password error = %v, want %v", err, ErrPasswordRequired)
		}
	})
}

func TestStore_CreateNeverOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "share.json")
	if err := os.WriteFile(path, []byte("existing"), 0o600); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	err := NewStore("").Create(path, testArtifact())
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Create() error = %v, want %v", err, ErrAlreadyExists)
	}

	raw, _ := os.ReadFile(path)
	if string(raw) != "existing" {
		t.Errorf("existing file was modified: %q", raw)
	}
}

func TestStore_Exists(t *testing.T) {
	dir := t.TempDir()
	store := NewStore("")
	path := filepath.Join(dir, "share.json")

	exists, err := store.Exists(path)
	if err != nil || exists {
		t.Fatalf("Exists() = %v, %v, want false, nil", exists, err)
	}
	if err := store.Create(path, testArtifact()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	exists, err = store.Exists(path)
	if err != nil || !exists {
		t.Fatalf("Exists() = %v, %v, want true, nil", exists, err)
	}
	if _, err := store.Exists(""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Exists(\"\") error = %v, want %v", err, ErrInvalidPath)
	}
}

func TestStore_LoadErrors(t *testing.T) {
	dir := t.TempDir()
	store := NewStore("pw")

	if _, err := store.Load(filepath.Join(dir, "missing.json")); !errors.Is(err, ErrKeyshareNotFound) {
		t.Errorf("Load() missing error = %v, want %v", err, ErrKeyshareNotFound)
	}

	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(garbage); err == nil {
		t.Error("Load() garbage error = nil, want error")
	}

	tampered := filepath.Join(dir, "tampered.json")
	if err := store.Create(tampered, testArtifact()); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(tampered)
	raw = []byte(strings.Replace(string(raw), `"iterations": 100000`, `"iterations": 99999`, 1))
	if err := os.WriteFile(tampered+".2", raw, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(tampered + ".2"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Load() tampered error = %v, want %v", err, ErrDecryptionFailed)
	}

	costly := []byte(strings.Replace(string(raw), `"iterations": 99999`, `"iterations": 2000000000`, 1))
	if err := os.WriteFile(tampered+".3", costly, 0o600); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := store.Load(tampered + ".3"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Load() excessive iterations error = %v, want %v", err, ErrDecryptionFailed)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Load() with excessive iterations took %v", elapsed)
	}

	if err := store.Create("", testArtifact()); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Create(\"\") error = %v, want %v", err, ErrInvalidPath)
	}
}
