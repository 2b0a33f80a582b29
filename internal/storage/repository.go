package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
	"roomexpenses/internal/local"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that text ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRepository serves one logical record table backed by the
// "expenses" table of a SQLite file, plus the account table.
type SQLiteRepository struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

func NewSQLiteRepository(dbPath, table string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Run migrations
	version, err := RunMigrations(dbPath)
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.Info("SQLite store ready", "db_path", dbPath, "schema_version", version, "table", table)

	return &SQLiteRepository{db: db, table: table, now: time.Now}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) checkTable(table string) error {
	if table != r.table {
		return local.UnknownTable(table)
	}
	return nil
}

// where renders an equality filter. Column names are checked against
// local.Columns before they reach SQL.
func where(match backend.Match) (string, []any) {
	if len(match) == 0 {
		return "", nil
	}
	cols := make([]string, 0, len(match))
	for col := range match {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	clauses := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, col := range cols {
		switch col {
		case "amount":
			clauses = append(clauses, "CAST(amount AS REAL) = CAST(? AS REAL)")
		default:
			clauses = append(clauses, col+" = ?")
		}
		args = append(args, match[col])
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func orderBy(order backend.Order) string {
	if order.Column == "" {
		return " ORDER BY rowid"
	}
	dir := "DESC"
	if order.Ascending {
		dir = "ASC"
	}
	col := order.Column
	if col == "amount" {
		col = "CAST(amount AS REAL)"
	}
	return fmt.Sprintf(" ORDER BY %s %s, rowid %s", col, dir, dir)
}

func (r *SQLiteRepository) ListRecords(ctx context.Context, table string, match backend.Match, order backend.Order) ([]core.Record, error) {
	if err := r.checkTable(table); err != nil {
		return nil, err
	}
	if err := local.CheckQuery(match, order); err != nil {
		return nil, err
	}

	clause, args := where(match)
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, description, amount, person, created_at FROM expenses"+clause+orderBy(order), args...)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		var (
			rec       core.Record
			amount    string
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Description, &amount, &rec.Person, &createdAt); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("expense %s amount %q: %w", rec.ID, amount, err)
		}
		if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("expense %s created_at %q: %w", rec.ID, createdAt, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) InsertRecords(ctx context.Context, table string, drafts []core.Draft) ([]string, error) {
	if err := r.checkTable(table); err != nil {
		return nil, err
	}
	for _, d := range drafts {
		if err := d.Validate(); err != nil {
			return nil, &backend.APIError{Status: 400, Code: "23502", Message: err.Error()}
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(drafts))
	for _, d := range drafts {
		id := uuid.NewString()
		_, err := tx.ExecContext(ctx,
			"INSERT INTO expenses (id, description, amount, person, created_at) VALUES (?, ?, ?, ?, ?)",
			id, d.Description, d.Amount.String(), d.Person, r.now().UTC().Format(timeLayout))
		if err != nil {
			return nil, fmt.Errorf("insert expense: %w", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}

	slog.DebugContext(ctx, "Expenses saved to SQLite", "count", len(ids))
	return ids, nil
}

func (r *SQLiteRepository) UpdateRecords(ctx context.Context, table string, patch core.Draft, match backend.Match) ([]string, error) {
	if err := r.checkTable(table); err != nil {
		return nil, err
	}
	if err := local.CheckMutation("UPDATE", match); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, &backend.APIError{Status: 400, Code: "23502", Message: err.Error()}
	}

	clause, args := where(match)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	ids, err := matchingIDs(ctx, tx, clause, args)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE expenses SET description = ?, amount = ?, person = ?"+clause,
		append([]any{patch.Description, patch.Amount.String(), patch.Person}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("update expense: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return ids, nil
}

func (r *SQLiteRepository) DeleteRecords(ctx context.Context, table string, match backend.Match) ([]string, error) {
	if err := r.checkTable(table); err != nil {
		return nil, err
	}
	if err := local.CheckMutation("DELETE", match); err != nil {
		return nil, err
	}

	clause, args := where(match)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	ids, err := matchingIDs(ctx, tx, clause, args)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM expenses"+clause, args...); err != nil {
		return nil, fmt.Errorf("delete expense: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return ids, nil
}

func matchingIDs(ctx context.Context, tx *sql.Tx, clause string, args []any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id FROM expenses"+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("select matching ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SQLiteRepository) CreateUser(ctx context.Context, email string, passwordHash []byte) (local.UserRecord, error) {
	u := local.UserRecord{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    r.now().UTC(),
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)",
		u.ID, u.Email, u.PasswordHash, u.CreatedAt.Format(timeLayout))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return local.UserRecord{}, local.ErrUserExists
		}
		return local.UserRecord{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (r *SQLiteRepository) FindUserByEmail(ctx context.Context, email string) (local.UserRecord, error) {
	return r.findUser(ctx, "email = ? COLLATE NOCASE", email)
}

func (r *SQLiteRepository) FindUserByID(ctx context.Context, id string) (local.UserRecord, error) {
	return r.findUser(ctx, "id = ?", id)
}

func (r *SQLiteRepository) findUser(ctx context.Context, cond string, arg string) (local.UserRecord, error) {
	var (
		u         local.UserRecord
		createdAt string
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, created_at FROM users WHERE "+cond, arg).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return local.UserRecord{}, local.ErrUserNotFound
	}
	if err != nil {
		return local.UserRecord{}, fmt.Errorf("find user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return u, nil
}
