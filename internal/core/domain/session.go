package domain

// Credential store keys.
const (
	CredentialKeyToken = "token"
	CredentialKeyUser  = "user"
)

// Session is a point-in-time view of the authenticated session.
// Token and User are either both set or both empty.
type Session struct {
	Token string
	User  *User
}

func (s Session) IsAuthenticated() bool {
	return s.Token != ""
}

func (s Session) IsAdmin() bool {
	return s.User.HasRole(RoleAdmin)
}

func (s Session) IsAgent() bool {
	return s.User.HasRole(RoleAgent)
}

func (s Session) IsCustomer() bool {
	return s.User.HasRole(RoleCustomer)
}

// LogoutReason records why a session ended.
type LogoutReason string

const (
	LogoutUser         LogoutReason = "user"
	LogoutUnauthorized LogoutReason = "unauthorized"
	LogoutExpired      LogoutReason = "expired"
)

// Err maps involuntary logouts to ErrSessionExpired. A user logout has no error.
func (r LogoutReason) Err() error {
	switch r {
	case LogoutUnauthorized, LogoutExpired:
		return ErrSessionExpired
	}
	return nil
}
