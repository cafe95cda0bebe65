// Package domain holds the call entities and their invariants, free of transport concerns.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
)

type UserID string

func (id UserID) Validate() error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser creates a user with a fresh random id.
func NewUser(username string) (*User, error) {
	return NewUserWithID(UserID(uuid.NewString()), username)
}

// NewUserWithID creates a user with a caller-supplied stable id.
func NewUserWithID(id UserID, username string) (*User, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	u := &User{ID: id}
	if err := u.SetUsername(username); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}
