package library

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// LibraryManager is a thin façade over the Database and the Engine, keeping
// CLI and HTTP code simple.
type LibraryManager struct {
	db     *Database
	engine *Engine
}

// NewLibraryManager opens (or creates) the SQLite database described by cfg
// and builds an engine over it.
func NewLibraryManager(cfg Config, opts ...Option) (*LibraryManager, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return &LibraryManager{db: db, engine: NewEngine(db, opts...)}, nil
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

// Engine exposes the circulation engine.
func (lm *LibraryManager) Engine() *Engine { return lm.engine }

// Ping checks the database connection.
func (lm *LibraryManager) Ping(ctx context.Context) error { return lm.db.Ping(ctx) }

// Now is the engine clock.
func (lm *LibraryManager) Now() time.Time { return lm.engine.Now() }

// ------------------ Book helpers ------------------

func (lm *LibraryManager) AddBook(ctx context.Context, title, author, isbn string, copies int) (int64, error) {
	if strings.TrimSpace(title) == "" || strings.TrimSpace(author) == "" {
		return 0, withDetail(ErrInvalidInput, "title and author are required")
	}
	return lm.db.AddBook(ctx, strings.TrimSpace(title), strings.TrimSpace(author), strings.TrimSpace(isbn), copies)
}

func (lm *LibraryManager) GetBook(ctx context.Context, id int64) (*Book, error) {
	return lm.db.GetBook(ctx, id)
}

func (lm *LibraryManager) GetAllBooks(ctx context.Context) ([]*Book, error) {
	return lm.db.GetAllBooks(ctx)
}

func (lm *LibraryManager) SetTotalCopies(ctx context.Context, id int64, total int) error {
	return lm.db.SetTotalCopies(ctx, id, total)
}

// ImportBooks reads CSV rows of title,author,isbn,copies from r and adds each
// book. A header row starting with "title" is skipped. It returns the ids of
// the books added before the first failing row.
func (lm *LibraryManager) ImportBooks(ctx context.Context, r io.Reader) ([]int64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4
	cr.TrimLeadingSpace = true

	var ids []int64
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return ids, nil
		}
		if err != nil {
			return ids, fmt.Errorf("read csv: %w", err)
		}
		if line == 1 && strings.EqualFold(rec[0], "title") {
			continue
		}
		copies, err := strconv.Atoi(strings.TrimSpace(rec[3]))
		if err != nil {
			return ids, fmt.Errorf("line %d: invalid copies %q", line, rec[3])
		}
		id, err := lm.AddBook(ctx, rec[0], rec[1], rec[2], copies)
		if err != nil {
			return ids, fmt.Errorf("line %d: %w", line, err)
		}
		ids = append(ids, id)
	}
}

// ImportBooksFromFile reads the CSV file at path (relative paths resolve from
// cwd) and imports it.
func (lm *LibraryManager) ImportBooksFromFile(ctx context.Context, path string) ([]int64, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return lm.ImportBooks(ctx, f)
}

// ------------------ Member helpers ------------------

// AddMember registers a member with a bcrypt hash of password.
func (lm *LibraryManager) AddMember(ctx context.Context, name string, role Role, password string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, withDetail(ErrInvalidInput, "name is required")
	}
	if !role.Valid() {
		return 0, withDetail(ErrInvalidInput, "unknown role %q", role)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return 0, err
	}
	return lm.db.AddMember(ctx, strings.TrimSpace(name), role, hash)
}

func (lm *LibraryManager) GetMember(ctx context.Context, id int64) (*Member, error) {
	return lm.db.GetMember(ctx, id)
}

func (lm *LibraryManager) GetAllMembers(ctx context.Context) ([]*Member, error) {
	return lm.db.GetAllMembers(ctx)
}

// AuthenticateMember verifies the member's password and returns the
// principal to act as.
func (lm *LibraryManager) AuthenticateMember(ctx context.Context, memberID int64, password string) (Principal, error) {
	m, err := lm.db.GetMember(ctx, memberID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, err
	}
	if m.PasswordHash == "" {
		return Principal{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)); err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{MemberID: m.ID, Role: m.Role}, nil
}

// ResetMemberPassword replaces the member's password.
func (lm *LibraryManager) ResetMemberPassword(ctx context.Context, memberID int64, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	return lm.db.UpdateMemberPassword(ctx, memberID, hash)
}

func hashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", withDetail(ErrInvalidInput, "password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// ------------------ Circulation ------------------

func (lm *LibraryManager) Borrow(ctx context.Context, p Principal, bookID int64) (*Transaction, error) {
	return lm.engine.Borrow(ctx, p.MemberID, bookID)
}

func (lm *LibraryManager) Return(ctx context.Context, p Principal, transactionID string) (*Transaction, error) {
	return lm.engine.Return(ctx, transactionID, p)
}

func (lm *LibraryManager) Renew(ctx context.Context, p Principal, transactionID string) (*Transaction, error) {
	return lm.engine.Renew(ctx, transactionID, p)
}

func (lm *LibraryManager) MyBorrowings(ctx context.Context, p Principal) ([]*Transaction, error) {
	return lm.engine.ListUserBorrowings(ctx, p.MemberID)
}

func (lm *LibraryManager) AllBorrowings(ctx context.Context, q ListQuery) (*Page[*Transaction], error) {
	return lm.engine.ListAllBorrowings(ctx, q)
}

func (lm *LibraryManager) History(ctx context.Context, memberID int64) ([]HistoryEntry, error) {
	return lm.engine.History(ctx, memberID)
}

// ------------------ Fines ------------------

func (lm *LibraryManager) Fines(ctx context.Context, q FineQuery) (*Page[*Fine], error) {
	return lm.engine.ListFines(ctx, q)
}

func (lm *LibraryManager) SettleFine(ctx context.Context, fineID string, status FineStatus, method string) (*Fine, error) {
	return lm.engine.SettleFine(ctx, fineID, status, method)
}
