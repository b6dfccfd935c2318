package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Store errors
var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// User is a registered account
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Claims are the JWT claims issued at login; Subject carries the user id
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}
