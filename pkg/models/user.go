package models

import (
	"time"

	"github.com/google/uuid"
)

// UserRole represents the role of a caller.
type UserRole string

const (
	RoleUser       UserRole = "user"
	RoleAdmin      UserRole = "admin"
	RoleCompliance UserRole = "compliance"
)

// User is the minimal caller identity the service needs. Full user
// management lives in the identity service; only the fields carried in
// JWT claims matter here.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Role      UserRole  `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
