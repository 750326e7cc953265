// models описывает данные сессии клиента и wire-модели auth API.
package models

import "time"

// UserProfile - профиль пользователя. Заменяется целиком, частично не патчится.
type UserProfile struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	FullName        string    `json:"fullName"`
	PhoneNumber     *string   `json:"phoneNumber,omitempty"`
	AvatarURL       *string   `json:"avatarUrl,omitempty"`
	IsEmailVerified bool      `json:"isEmailVerified"`
	Status          string    `json:"status"`
	RatingPercent   *float64  `json:"ratingPercent,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Session - сохранённая сессия клиента.
//
// Инварианты:
//   - AccessToken и RefreshToken либо оба заданы, либо оба пусты;
//   - Profile присутствует тогда и только тогда, когда заданы токены.
type Session struct {
	AccessToken  string
	RefreshToken string
	Profile      UserProfile
}

// TokenPair - пара токенов, выдаваемая при обновлении.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Valid сообщает, что оба токена заданы.
func (p TokenPair) Valid() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}
