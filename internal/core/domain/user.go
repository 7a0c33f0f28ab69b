package domain

import (
	"encoding/json"
	"strconv"
)

type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// Valid reports whether r is one of the roles the backend issues.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleAgent, RoleCustomer:
		return true
	}
	return false
}

// RoleRef is the role object nested in the user payload.
type RoleRef struct {
	Name Role `json:"name"`
}

// User is the authenticated identity returned by the backend on login.
// The backend names the role field "rol"; "role" is accepted when decoding.
type User struct {
	ID    UserID  `json:"id"`
	Name  string  `json:"name"`
	Email string  `json:"email"`
	Role  RoleRef `json:"rol"`
}

func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	aux := struct {
		*plain
		AltRole *RoleRef `json:"role"`
	}{plain: (*plain)(u)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if u.Role.Name == "" && aux.AltRole != nil {
		u.Role = *aux.AltRole
	}
	return nil
}

// HasRole reports whether the user carries role r.
func (u *User) HasRole(r Role) bool {
	return u != nil && u.Role.Name == r
}

// Credentials is the login payload.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is the login response body.
type AuthResult struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}
