package auth

import "time"

type Role string

const (
	RoleOfficer Role = "officer"
	RoleManager Role = "manager"
)

// User is a cooperative staff member allowed to operate the ledger.
// It mirrors the staff_users table and carries no JSON annotations so each
// presentation layer chooses its own shape.
type User struct {
	ID           string
	Username     string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains the data needed to create a staff account.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Claims is what a verified token says about its bearer.
type Claims struct {
	UserID   string
	Username string
	Role     Role
}
