package core

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

type (
	// Record is one expense as stored by the backend.
	Record struct {
		ID          string
		Description string
		Amount      decimal.Decimal
		Person      string // Payer name
		CreatedAt   time.Time
	}

	// Draft is a validated submission for insert or update.
	// ID and CreatedAt are never part of a draft: the backend owns them.
	Draft struct {
		Description string
		Amount      decimal.Decimal
		Person      string
	}

	User struct {
		ID    string
		Email string
	}

	Session struct {
		AccessToken  string
		RefreshToken string
		ExpiresAt    time.Time
		User         User
	}
)

var (
	ErrEmptyDescription = errors.New("description is required")
	ErrEmptyAmount      = errors.New("amount is required")
	ErrInvalidAmount    = errors.New("amount is not a valid number")
	ErrEmptyPerson      = errors.New("person is required")
	ErrDescriptionLong  = errors.New("description too long (max 200 characters)")
)

const maxDescriptionLen = 200

// ParseDraft validates raw form input. Every field is required; the amount
// text must be a decimal number and is never coerced to zero.
func ParseDraft(description, amountText, person string) (Draft, error) {
	description = strings.TrimSpace(description)
	person = strings.TrimSpace(person)
	amountText = strings.TrimSpace(amountText)

	if description == "" {
		return Draft{}, ErrEmptyDescription
	}
	if utf8.RuneCountInString(description) > maxDescriptionLen {
		return Draft{}, ErrDescriptionLong
	}
	if amountText == "" {
		return Draft{}, ErrEmptyAmount
	}
	if person == "" {
		return Draft{}, ErrEmptyPerson
	}
	amount, err := ParseAmount(amountText)
	if err != nil {
		return Draft{}, err
	}
	return Draft{Description: description, Amount: amount, Person: person}, nil
}

// Validate reports the first missing field of an already-built draft.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Description) == "" {
		return ErrEmptyDescription
	}
	if utf8.RuneCountInString(d.Description) > maxDescriptionLen {
		return ErrDescriptionLong
	}
	if strings.TrimSpace(d.Person) == "" {
		return ErrEmptyPerson
	}
	return nil
}

// Valid reports whether the session carries a token that has not expired.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}
