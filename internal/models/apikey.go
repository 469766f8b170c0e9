package models

import "time"

// API key roles, ordered by capability.
const (
	RoleRead  = "read"
	RoleWrite = "write"
	RoleAdmin = "admin"
)

var roleRank = map[string]int{
	RoleRead:  0,
	RoleWrite: 1,
	RoleAdmin: 2,
}

// RoleAllows reports whether a key with role `have` may act as `need`.
func RoleAllows(have, need string) bool {
	h, ok := roleRank[have]
	if !ok {
		return false
	}
	return h >= roleRank[need]
}

// APIKey is a tenant credential. Only the bcrypt hash of the secret is
// stored; the full token is shown once at creation.
type APIKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
