package local

import (
	"context"
	"errors"
	"time"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
)

var (
	ErrUserExists   = errors.New("user already registered")
	ErrUserNotFound = errors.New("user not found")
)

// UnknownTable is the error a store reports for a table it does not hold.
func UnknownTable(table string) error {
	return &backend.APIError{Status: 404, Code: "42P01", Message: `relation "public.` + table + `" does not exist`}
}

// UserRecord is a stored account.
type UserRecord struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// RecordStore persists expense records. Mutations return the ids they
// touched so the provider can publish one change per row.
type RecordStore interface {
	ListRecords(ctx context.Context, table string, match backend.Match, order backend.Order) ([]core.Record, error)
	InsertRecords(ctx context.Context, table string, rows []core.Draft) ([]string, error)
	UpdateRecords(ctx context.Context, table string, patch core.Draft, match backend.Match) ([]string, error)
	DeleteRecords(ctx context.Context, table string, match backend.Match) ([]string, error)
}

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, email string, passwordHash []byte) (UserRecord, error)
	FindUserByEmail(ctx context.Context, email string) (UserRecord, error)
	FindUserByID(ctx context.Context, id string) (UserRecord, error)
}

// Store is implemented by the memory and sqlite packages.
type Store interface {
	RecordStore
	UserStore
	Close() error
}

// Relay forwards change notifications between processes.
type Relay interface {
	Publish(ctx context.Context, c backend.Change) error
	Run(ctx context.Context, deliver func(backend.Change)) error
	Close() error
}

// Columns a Match or Order may name.
var Columns = map[string]bool{
	"id":          true,
	"description": true,
	"amount":      true,
	"person":      true,
	"created_at":  true,
}

// CheckQuery rejects match and order columns outside the record schema.
func CheckQuery(match backend.Match, order backend.Order) error {
	for col := range match {
		if !Columns[col] {
			return &backend.APIError{Status: 400, Code: "42703", Message: "column " + col + " does not exist"}
		}
	}
	if order.Column != "" && !Columns[order.Column] {
		return &backend.APIError{Status: 400, Code: "42703", Message: "column " + order.Column + " does not exist"}
	}
	return nil
}

// CheckMutation is CheckQuery for updates and deletes, which also need a
// non-empty match.
func CheckMutation(op string, match backend.Match) error {
	if err := backend.RequireMatch(op, match); err != nil {
		return err
	}
	return CheckQuery(match, backend.Order{})
}
