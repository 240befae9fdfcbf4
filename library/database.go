package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Config holds the storage settings.
type Config struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

func (c *Config) setDefaults() {
	if c.Path == "" {
		c.Path = "library.db"
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
}

// Database provides high-level helpers around a SQLite connection. It
// implements TxRepository; the embedded store runs reads outside of any
// explicit transaction.
type Database struct {
	*store
	db *sql.DB

	addBookStmt   *sql.Stmt
	addMemberStmt *sql.Stmt
}

// NewDatabase opens (or creates) the SQLite database at dbPath with default
// settings.
func NewDatabase(dbPath string) (*Database, error) {
	return Open(Config{Path: dbPath})
}

// Open opens (or creates) the SQLite database described by cfg, applies
// schema migrations, and prepares common statements.
func Open(cfg Config) (*Database, error) {
	cfg.setDefaults()

	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// Immediate transactions take the write lock at BEGIN, so the
	// check-then-act sequences of concurrent operations serialize.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	database := &Database{db: db, store: &store{q: db}}
	if err := database.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	if d.addBookStmt != nil {
		d.addBookStmt.Close()
	}
	if d.addMemberStmt != nil {
		d.addMemberStmt.Close()
	}
	return d.db.Close()
}

// Ping checks the connection.
func (d *Database) Ping(ctx context.Context) error {
	return unavailable("ping", d.db.PingContext(ctx))
}

// WithinTx runs fn inside one database transaction. The transaction commits
// only if fn returns nil; a cancelled ctx rolls it back.
func (d *Database) WithinTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&store{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 3

func applyMigrations(db *sql.DB) error {
	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS members (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL,
            role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin','user','guest')),
            password_hash TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            isbn TEXT NOT NULL DEFAULT '',
            total_copies INTEGER NOT NULL,
            available_copies INTEGER NOT NULL,
            borrowed_copies INTEGER NOT NULL DEFAULT 0,
            borrow_count INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL,
            CHECK (available_copies >= 0 AND borrowed_copies >= 0),
            CHECK (available_copies + borrowed_copies = total_copies)
        );`,
		`CREATE TABLE IF NOT EXISTS transactions (
            id TEXT PRIMARY KEY,
            member_id INTEGER NOT NULL REFERENCES members(id),
            book_id INTEGER NOT NULL REFERENCES books(id),
            borrow_date INTEGER NOT NULL,
            due_date INTEGER NOT NULL,
            return_date INTEGER,
            status TEXT NOT NULL DEFAULT 'borrowed' CHECK (status IN ('borrowed','returned','overdue')),
            fine_amount TEXT NOT NULL DEFAULT '0',
            fine_paid INTEGER NOT NULL DEFAULT 0,
            fine_paid_date INTEGER,
            renewal_count INTEGER NOT NULL DEFAULT 0 CHECK (renewal_count >= 0)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_member ON transactions(member_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_borrow_date ON transactions(borrow_date);`,
		// At most one open loan per member and book.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_open
            ON transactions(member_id, book_id) WHERE status = 'borrowed';`,
		`CREATE TABLE IF NOT EXISTS fines (
            id TEXT PRIMARY KEY,
            member_id INTEGER NOT NULL REFERENCES members(id),
            transaction_id TEXT NOT NULL UNIQUE REFERENCES transactions(id),
            amount TEXT NOT NULL,
            reason TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','paid','waived')),
            paid_date INTEGER,
            payment_method TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_fines_member ON fines(member_id);`,
		`CREATE TABLE IF NOT EXISTS borrowing_history (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            member_id INTEGER NOT NULL REFERENCES members(id),
            book_id INTEGER NOT NULL REFERENCES books(id),
            borrow_date INTEGER NOT NULL,
            due_date INTEGER NOT NULL,
            return_date INTEGER,
            status TEXT NOT NULL DEFAULT 'borrowed'
        );`,
		`CREATE INDEX IF NOT EXISTS idx_history_member ON borrowing_history(member_id, book_id, status);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.addBookStmt, err = d.db.Prepare(`INSERT INTO books(title,author,isbn,total_copies,available_copies,created_at) VALUES(?,?,?,?,?,?)`); err != nil {
		return err
	}
	if d.addMemberStmt, err = d.db.Prepare(`INSERT INTO members(name,role,password_hash,created_at) VALUES(?,?,?,?)`); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Catalog and member management
// ---------------------------------------------------------------------------

// AddBook inserts a title with copies copies, all of them available.
func (d *Database) AddBook(ctx context.Context, title, author, isbn string, copies int) (int64, error) {
	if copies < 0 {
		return 0, ErrInvalidCopies
	}
	res, err := d.addBookStmt.ExecContext(ctx, title, author, isbn, copies, copies, toMillis(time.Now()))
	if err != nil {
		return 0, unavailable("add book", err)
	}
	return res.LastInsertId()
}

// GetAllBooks returns the catalog ordered by id.
func (d *Database) GetAllBooks(ctx context.Context) ([]*Book, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+bookColumns+` FROM books b ORDER BY b.id`)
	if err != nil {
		return nil, unavailable("list books", err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, unavailable("scan book", err)
		}
		books = append(books, b)
	}
	return books, unavailable("list books", rows.Err())
}

// SetTotalCopies changes the number of copies a title owns. Copies that are
// currently out stay out; the new total must cover them.
func (d *Database) SetTotalCopies(ctx context.Context, bookID int64, total int) error {
	if total < 0 {
		return ErrInvalidCopies
	}
	res, err := d.db.ExecContext(ctx, `
        UPDATE books SET total_copies = ?, available_copies = ? - borrowed_copies
        WHERE id = ? AND borrowed_copies <= ?`, total, total, bookID, total)
	if err != nil {
		return unavailable("set copies", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("set copies", err)
	}
	if n == 0 {
		if _, err := d.GetBook(ctx, bookID); err != nil {
			return err
		}
		return withDetail(ErrCopyBounds, "more copies of book %d are out than %d", bookID, total)
	}
	return nil
}

// AddMember inserts a member with an already hashed password.
func (d *Database) AddMember(ctx context.Context, name string, role Role, passwordHash string) (int64, error) {
	res, err := d.addMemberStmt.ExecContext(ctx, name, string(role), passwordHash, toMillis(time.Now()))
	if err != nil {
		return 0, unavailable("add member", err)
	}
	return res.LastInsertId()
}

// GetMember fetches a single member, including the password hash.
func (d *Database) GetMember(ctx context.Context, id int64) (*Member, error) {
	var (
		m       Member
		role    string
		created int64
	)
	err := d.db.QueryRowContext(ctx, `SELECT id,name,role,password_hash,created_at FROM members WHERE id=?`, id).
		Scan(&m.ID, &m.Name, &role, &m.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, withDetail(ErrMemberNotFound, "member %d not found", id)
	}
	if err != nil {
		return nil, unavailable("get member", err)
	}
	m.Role = Role(role)
	m.CreatedAt = fromMillis(created)
	return &m, nil
}

// GetAllMembers returns all members.
func (d *Database) GetAllMembers(ctx context.Context) ([]*Member, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id,name,role,password_hash,created_at FROM members ORDER BY id`)
	if err != nil {
		return nil, unavailable("list members", err)
	}
	defer rows.Close()
	var members []*Member
	for rows.Next() {
		var (
			m       Member
			role    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.Name, &role, &m.PasswordHash, &created); err != nil {
			return nil, unavailable("scan member", err)
		}
		m.Role = Role(role)
		m.CreatedAt = fromMillis(created)
		members = append(members, &m)
	}
	return members, unavailable("list members", rows.Err())
}

// UpdateMemberPassword replaces a member's password hash.
func (d *Database) UpdateMemberPassword(ctx context.Context, id int64, passwordHash string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE members SET password_hash=? WHERE id=?`, passwordHash, id)
	if err != nil {
		return unavailable("update password", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return withDetail(ErrMemberNotFound, "member %d not found", id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// openLoanColumns is how SQLite names ux_transactions_open in a UNIQUE
// violation message.
const openLoanColumns = "transactions.member_id, transactions.book_id"

// constraintError maps SQLite constraint failures onto business errors.
func constraintError(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintForeignKey:
			return withDetail(ErrMemberNotFound, "%s: member or book does not exist", op)
		case sqlite3.ErrConstraintUnique:
			// Only the open-loan index maps to a business error.
			if strings.Contains(se.Error(), openLoanColumns) {
				return ErrAlreadyBorrowed
			}
		case sqlite3.ErrConstraintCheck:
			return withDetail(ErrCopyBounds, "%s: %v", op, err)
		}
	}
	return unavailable(op, err)
}
