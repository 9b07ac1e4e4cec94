package user

import "errors"

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUserExists      = errors.New("User already exists")
	ErrUserNotFound    = errors.New("User not found")
	ErrInvalidPassword = errors.New("Invalid password")
	ErrNotGhost        = errors.New("Account requires a password")
)
