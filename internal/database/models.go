package database

import "time"

type User struct {
	Id           int
	Name         string
	EmailAddress string
	Image        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CreateAccountParams struct {
	Name         string
	EmailAddress string
	PasswordHash string
}

type UpdateSettingsParams struct {
	UserId int
	Name   string
	Image  string
}
