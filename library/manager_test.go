package library

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newManager(t *testing.T) *LibraryManager {
	dir := t.TempDir()
	mgr, err := NewLibraryManager(Config{Path: filepath.Join(dir, "lib.db")})
	if err != nil {
		t.Fatalf("mgr: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestImportBooksFromFile(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	tmp := filepath.Join(t.TempDir(), "books.csv")
	data := "title,author,isbn,copies\n" +
		"1984,George Orwell,978-0451524935,3\n" +
		"\"The Art of War\",Sun Tzu,,1\n"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	ids, err := mgr.ImportBooksFromFile(ctx, tmp)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("want 2 books, got %d", len(ids))
	}
	b, err := mgr.GetBook(ctx, ids[1])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Title != "The Art of War" || b.TotalCopies != 1 || b.AvailableCopies != 1 {
		t.Fatalf("book = %+v", b)
	}
}

func TestImportBooksRejectsBadCopies(t *testing.T) {
	mgr := newManager(t)
	ids, err := mgr.ImportBooks(context.Background(), strings.NewReader("Dune,Frank Herbert,,1\nEmma,Jane Austen,,many\n"))
	if err == nil {
		t.Fatalf("expected error for non-numeric copies")
	}
	if len(ids) != 1 {
		t.Fatalf("rows before the bad one should be kept, got %d", len(ids))
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("error should name the line, got: %v", err)
	}
}

func TestAuthenticateMember(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	id, err := mgr.AddMember(ctx, "Alice", RoleAdmin, "s3cret")
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	p, err := mgr.AuthenticateMember(ctx, id, "s3cret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.MemberID != id || p.Role != RoleAdmin {
		t.Fatalf("principal = %+v", p)
	}

	if _, err := mgr.AuthenticateMember(ctx, id, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, err := mgr.AuthenticateMember(ctx, 9999, "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown member: got %v", err)
	}

	if err := mgr.ResetMemberPassword(ctx, id, "n3w"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := mgr.AuthenticateMember(ctx, id, "s3cret"); err == nil {
		t.Fatalf("old password still accepted")
	}
	if _, err := mgr.AuthenticateMember(ctx, id, "n3w"); err != nil {
		t.Fatalf("new password: %v", err)
	}
}

func TestAddMemberValidation(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	if _, err := mgr.AddMember(ctx, "Bob", RoleUser, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty password: got %v", err)
	}
	if _, err := mgr.AddMember(ctx, "Bob", Role("superuser"), "pw"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad role: got %v", err)
	}
}

func TestManagerCirculation(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	id, _ := mgr.AddMember(ctx, "Alice", RoleUser, "pw")
	p, err := mgr.AuthenticateMember(ctx, id, "pw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	bookID, err := mgr.AddBook(ctx, "Book", "Author", "", 1)
	if err != nil {
		t.Fatalf("add book: %v", err)
	}

	tx, err := mgr.Borrow(ctx, p, bookID)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := mgr.Renew(ctx, p, tx.ID); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if _, err := mgr.Return(ctx, p, tx.ID); err != nil {
		t.Fatalf("return: %v", err)
	}
	loans, err := mgr.MyBorrowings(ctx, p)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(loans) != 1 || loans[0].Status != StatusReturned || loans[0].RenewalCount != 1 {
		t.Fatalf("loans = %+v", loans)
	}
}
