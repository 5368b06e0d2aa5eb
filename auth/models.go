package auth

import "time"

type Role string

const (
	RoleClient     Role = "client"
	RoleContractor Role = "contractor"
	RoleMediator   Role = "mediator"
)

// Party is the domain representation of an authenticated account. Which side
// of an escrow agreement a party stands on is decided per agreement by
// comparing identities; the role here only records what the account was
// registered as.
// It mirrors the parties table and carries no JSON annotations so it can be
// reused by different presentation layers.
type Party struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
