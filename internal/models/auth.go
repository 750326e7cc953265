package models

// AuthBundle - ответ /auth/login и /auth/register.
type AuthBundle struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	TokenType    string      `json:"tokenType"`
	User         UserProfile `json:"user"`
	Roles        []string    `json:"roles"`
	Permissions  []string    `json:"permissions"`
}

// Session строит сессию из ответа сервера.
func (b AuthBundle) Session() Session {
	return Session{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		Profile:      b.User,
	}
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type VerifyEmailRequest struct {
	Token string `json:"token"`
}

type ResendVerificationRequest struct {
	Email string `json:"email"`
}
