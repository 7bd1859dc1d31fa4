package bytestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// stores возвращает обе реализации: на диске и в памяти.
func stores(t *testing.T) map[string]*BillyStore {
	t.Helper()
	disk, err := NewOSStore(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("ошибка создания OS store: %v", err)
	}
	return map[string]*BillyStore{"os": disk, "mem": NewMemStore()}
}

func readAll(t *testing.T, s Store, p string) []byte {
	t.Helper()
	r, err := s.Open(p)
	if err != nil {
		t.Fatalf("Open(%s): %v", p, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll(%s): %v", p, err)
	}
	return data
}

func TestSave(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := []byte("Тестовые данные для проверки SHA-256")

			res, err := s.Save(context.Background(), "files/t1/p1/f1", bytes.NewReader(content))
			if err != nil {
				t.Fatalf("Save() ошибка: %v", err)
			}

			if res.Size != int64(len(content)) {
				t.Errorf("размер: ожидалось %d, получено %d", len(content), res.Size)
			}
			sum := sha256.Sum256(content)
			if res.Checksum != hex.EncodeToString(sum[:]) {
				t.Errorf("checksum не совпадает: %s", res.Checksum)
			}
			if got := readAll(t, s, "files/t1/p1/f1"); !bytes.Equal(got, content) {
				t.Error("содержимое не совпадает")
			}

			// Временный файл не остаётся
			if ok, _ := s.Exists("files/t1/p1/f1.tmp"); ok {
				t.Error("временный файл не удалён")
			}
		})
	}
}

// failingReader отдаёт немного данных и затем ошибку.
type failingReader struct{ sent bool }

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.sent {
		f.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("обрыв соединения")
}

func TestSave_ReaderErrorLeavesNothing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Save(context.Background(), "tmp/x", &failingReader{}); err == nil {
				t.Fatal("ожидалась ошибка записи")
			}
			for _, p := range []string{"tmp/x", "tmp/x.tmp"} {
				if ok, _ := s.Exists(p); ok {
					t.Errorf("%s не должен существовать", p)
				}
			}
		})
	}
}

func TestSave_CancelledContext(t *testing.T) {
	s := NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Save(ctx, "tmp/x", bytes.NewReader([]byte("data")))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Save() = %v, ожидали context.Canceled", err)
	}
}

func TestOpenDeleteExists_Missing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Open("files/none"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Open() = %v, ожидали ErrNotFound", err)
			}
			deleted, err := s.Delete("files/none")
			if err != nil || deleted {
				t.Errorf("Delete() = %v, %v; ожидали false, nil", deleted, err)
			}
			ok, err := s.Exists("files/none")
			if err != nil || ok {
				t.Errorf("Exists() = %v, %v; ожидали false, nil", ok, err)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Save(context.Background(), "a/b", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Save() ошибка: %v", err)
	}
	deleted, err := s.Delete("a/b")
	if err != nil || !deleted {
		t.Errorf("Delete() = %v, %v; ожидали true, nil", deleted, err)
	}
	if ok, _ := s.Exists("a/b"); ok {
		t.Error("файл не удалён")
	}
}

func TestInvalidPaths(t *testing.T) {
	s := NewMemStore()
	bad := []string{"", "/abs", "../up", "a/../b", "a//b", "a\\b", "a/./b", "a/", "nul\x00"}

	for _, p := range bad {
		if _, err := s.Save(context.Background(), p, bytes.NewReader(nil)); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Save(%q) = %v, ожидали ErrInvalidPath", p, err)
		}
		if _, err := s.Open(p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Open(%q) = %v, ожидали ErrInvalidPath", p, err)
		}
	}
}

func TestRename(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Save(ctx, "tmp/f1", bytes.NewReader([]byte("payload"))); err != nil {
				t.Fatalf("Save() ошибка: %v", err)
			}

			if err := s.Rename("tmp/f1", "files/t1/p1/f1"); err != nil {
				t.Fatalf("Rename() ошибка: %v", err)
			}
			if ok, _ := s.Exists("tmp/f1"); ok {
				t.Error("источник должен исчезнуть")
			}
			if got := readAll(t, s, "files/t1/p1/f1"); string(got) != "payload" {
				t.Errorf("содержимое после Rename = %q", got)
			}

			if err := s.Rename("tmp/none", "files/x"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Rename(нет) = %v, ожидали ErrNotFound", err)
			}
		})
	}
}

func TestWalk(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, p := range []string{"staging/t1/p1/a", "staging/t1/p2/b", "files/t1/p1/c"} {
				if _, err := s.Save(ctx, p, bytes.NewReader([]byte(p))); err != nil {
					t.Fatalf("Save(%s) ошибка: %v", p, err)
				}
			}

			var seen []string
			err := s.Walk(DirStaging, func(fi FileInfo) error {
				seen = append(seen, fi.Path)
				if fi.Size != int64(len(fi.Path)) {
					t.Errorf("размер %s = %d", fi.Path, fi.Size)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("Walk() ошибка: %v", err)
			}
			sort.Strings(seen)
			if len(seen) != 2 || seen[0] != "staging/t1/p1/a" || seen[1] != "staging/t1/p2/b" {
				t.Errorf("Walk() = %v", seen)
			}

			if err := s.Walk("missing", func(FileInfo) error { return nil }); err != nil {
				t.Errorf("Walk(нет корня) = %v, ожидали nil", err)
			}
		})
	}
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	active := NewMemStore()
	root := filepath.Join(t.TempDir(), "archive")
	disk, err := NewOSStore(root)
	if err != nil {
		t.Fatalf("NewOSStore() ошибка: %v", err)
	}

	if _, err := active.Save(ctx, "staging/t1/p1/f1", bytes.NewReader([]byte("archive me"))); err != nil {
		t.Fatalf("Save() ошибка: %v", err)
	}

	if err := Transfer(ctx, active, "staging/t1/p1/f1", disk, ArchivePath("t1", "p1", "f1")); err != nil {
		t.Fatalf("Transfer() ошибка: %v", err)
	}
	if ok, _ := active.Exists("staging/t1/p1/f1"); ok {
		t.Error("источник должен быть удалён")
	}
	data, err := os.ReadFile(filepath.Join(root, "t1", "p1", "f1"))
	if err != nil || string(data) != "archive me" {
		t.Errorf("архивный файл = %q, %v", data, err)
	}

	// Внутри одного хранилища — rename
	if _, err := active.Save(ctx, "a/x", bytes.NewReader([]byte("1"))); err != nil {
		t.Fatalf("Save() ошибка: %v", err)
	}
	if err := Transfer(ctx, active, "a/x", active, "b/x"); err != nil {
		t.Fatalf("Transfer(same) ошибка: %v", err)
	}
	if ok, _ := active.Exists("b/x"); !ok {
		t.Error("b/x должен существовать")
	}

	if err := Transfer(ctx, active, "none", disk, "none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Transfer(нет) = %v, ожидали ErrNotFound", err)
	}
}

func TestLayout(t *testing.T) {
	if got := ActivePath("t1", "p1", "f1"); got != "files/t1/p1/f1" {
		t.Errorf("ActivePath = %s", got)
	}
	if got := TempPath("f1"); got != "tmp/f1" {
		t.Errorf("TempPath = %s", got)
	}
	if got := StagingPath("t1", "p1", "f1"); got != "staging/t1/p1/f1" {
		t.Errorf("StagingPath = %s", got)
	}

	tenant, patient, file, ok := ParseStagingPath("staging/t1/p1/f1")
	if !ok || tenant != "t1" || patient != "p1" || file != "f1" {
		t.Errorf("ParseStagingPath = %s %s %s %v", tenant, patient, file, ok)
	}
	for _, p := range []string{"files/t1/p1/f1", "staging/t1/f1", "staging/t1/p1/f1.tmp/x"} {
		if _, _, _, ok := ParseStagingPath(p); ok {
			t.Errorf("ParseStagingPath(%q) должен вернуть ok=false", p)
		}
	}

	tenant, patient, file, ok = ParseActivePath("files/t1/p1/f1")
	if !ok || tenant != "t1" || patient != "p1" || file != "f1" {
		t.Errorf("ParseActivePath = %s %s %s %v", tenant, patient, file, ok)
	}
	for _, p := range []string{"staging/t1/p1/f1", "files/t1/p1", "files/t1/p1/f1/x", "files/t1/../f1"} {
		if _, _, _, ok := ParseActivePath(p); ok {
			t.Errorf("ParseActivePath(%q) должен вернуть ok=false", p)
		}
	}

	for _, s := range []string{"", ".", "..", "a/b", "a b", string(make([]byte, 200))} {
		if ValidSegment(s) {
			t.Errorf("ValidSegment(%q) = true", s)
		}
	}
	if !ValidSegment("org-42.main_1") {
		t.Error("ValidSegment(org-42.main_1) = false")
	}
}
