package vpop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustDomainDir(t *testing.T) string {
	d, err := os.MkdirTemp("", "vpop-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(d) })
	return d
}

// fakeDB builds a DB whose lookupDomain always resolves to dir, bypassing
// the cdb file entirely so the filesystem-side algorithm can be tested on
// its own.
func fakeDB(dir, bounce string) *DB {
	return &DB{cdb: nil, Bounce: bounce, staticDomainPath: dir + "/"}
}

func TestExistsRejectsSlashInLocal(t *testing.T) {
	db := fakeDB(mustDomainDir(t), "")
	res, _, err := Exists(db, "a/b", "example.com")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if res != ResultReject {
		t.Errorf("got %v, want ResultReject", res)
	}
}

func TestExistsUserDirectory(t *testing.T) {
	dir := mustDomainDir(t)
	if err := os.Mkdir(filepath.Join(dir, "alice"), 0755); err != nil {
		t.Fatal(err)
	}
	db := fakeDB(dir, "")
	res, conf, err := Exists(db, "alice", "example.com")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if res != ResultExists {
		t.Errorf("got %v, want ResultExists", res)
	}
	if conf.UserPath == "" {
		t.Error("expected UserPath to be set")
	}
}

func TestExistsQmailUser(t *testing.T) {
	dir := mustDomainDir(t)
	if err := os.WriteFile(filepath.Join(dir, ".qmail-bob"), []byte("|deliver"), 0644); err != nil {
		t.Fatal(err)
	}
	db := fakeDB(dir, "")
	res, _, err := Exists(db, "bob", "example.com")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if res != ResultExists {
		t.Errorf("got %v, want ResultExists", res)
	}
}

func TestExistsCatchallUserDefault(t *testing.T) {
	dir := mustDomainDir(t)
	if err := os.WriteFile(filepath.Join(dir, ".qmail-carl-default"), []byte("|deliver"), 0644); err != nil {
		t.Fatal(err)
	}
	db := fakeDB(dir, "")
	res, _, err := Exists(db, "carl", "example.com")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if res != ResultCatchall {
		t.Errorf("got %v, want ResultCatchall", res)
	}
}

func TestExistsHyphenPrefixDefault(t *testing.T) {
	dir := mustDomainDir(t)
	if err := os.WriteFile(filepath.Join(dir, ".qmail-sales-default"), []byte("|deliver"), 0644); err != nil {
		t.Fatal(err)
	}
	db := fakeDB(dir, "")
	res, _, err := Exists(db, "sales-europe", "example.com")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if res != ResultCatchall {
		t.Errorf("got %v, want ResultCatchall", res)
	}
}

func TestExistsGlobalDefaultBounce(t *testing.T) {
	dir := mustDomainDir(t)
	if err := os.WriteFile(filepath.Join(dir, ".qmail-default"), []byte("|bounce-no-mailbox"), 0644); err != nil {
		t.Fatal(err)
	}
	db := fakeDB(dir, "|bounce-no-mailbox")
	res, _, err := Exists(db, "nobody", "example.com")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if res != ResultReject {
		t.Errorf("got %v, want ResultReject (bounce)", res)
	}
}

func TestExistsGlobalDefaultPassthrough(t *testing.T) {
	dir := mustDomainDir(t)
	if err := os.WriteFile(filepath.Join(dir, ".qmail-default"), []byte("|catchall-deliver"), 0644); err != nil {
		t.Fatal(err)
	}
	db := fakeDB(dir, "|bounce-no-mailbox")
	res, _, err := Exists(db, "nobody", "example.com")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if res != ResultCatchallPassthrough {
		t.Errorf("got %v, want ResultCatchallPassthrough", res)
	}
}

func TestExistsNoLocalUser(t *testing.T) {
	dir := mustDomainDir(t)
	db := fakeDB(dir, "")
	res, _, err := Exists(db, "nobody", "example.com")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if res != ResultReject {
		t.Errorf("got %v, want ResultReject", res)
	}
}

func TestMaildirUsesVerbatimLocalpart(t *testing.T) {
	dir := mustDomainDir(t)
	if err := os.Mkdir(filepath.Join(dir, "first.last"), 0755); err != nil {
		t.Fatal(err)
	}
	db := fakeDB(dir, "")
	res, conf, err := Exists(db, "first.last", "example.com")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if res != ResultExists {
		t.Errorf("got %v, want ResultExists", res)
	}
	if conf == nil || !strings.HasSuffix(conf.UserPath, "/first.last/") {
		t.Errorf("UserPath should keep the dot, got %+v", conf)
	}
}

func TestDotMapsToColonForQmailFiles(t *testing.T) {
	dir := mustDomainDir(t)
	if err := os.WriteFile(filepath.Join(dir, ".qmail-first:last"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	db := fakeDB(dir, "")
	res, _, err := Exists(db, "first.last", "example.com")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if res != ResultExists {
		t.Errorf("got %v, want ResultExists", res)
	}
}

func TestHyphenPrefixes(t *testing.T) {
	got := hyphenPrefixes("a-b-c")
	want := []string{"a", "a-b"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}
