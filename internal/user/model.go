// Package user implements the user directory and token issuance the
// messaging subsystem authenticates against.
package user

type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	ID          int    `json:"id"`
	Username    string `json:"username"`
}
