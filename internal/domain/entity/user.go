package entity

import "time"

type User struct {
	ID           string    `json:"id" firestore:"id"`
	Email        string    `json:"email" firestore:"email"`
	Username     string    `json:"username" firestore:"username"`
	DisplayName  string    `json:"display_name" firestore:"displayName"`
	AvatarURL    string    `json:"avatar_url,omitempty" firestore:"avatarUrl,omitempty"`
	Bio          string    `json:"bio,omitempty" firestore:"bio,omitempty"`
	LastActiveAt time.Time `json:"last_active_at" firestore:"lastActiveAt"`
	CreatedAt    time.Time `json:"created_at" firestore:"createdAt"`
	UpdatedAt    time.Time `json:"updated_at" firestore:"updatedAt"`
}
