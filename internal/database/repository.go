package database

type UserRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	UpdateSettings(params UpdateSettingsParams) (User, error)
	// ListUsers returns every account except excludeId, newest first.
	ListUsers(excludeId int) ([]User, error)
}
