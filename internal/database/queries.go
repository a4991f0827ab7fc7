package database

import (
	"time"
)

const accountColumns = "id, name, email, image, created_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner, extra ...any) (User, error) {
	var u User
	dest := append([]any{
		&u.Id,
		&u.Name,
		&u.EmailAddress,
		&u.Image,
		&u.CreatedAt,
		&u.UpdatedAt,
	}, extra...)

	err := row.Scan(dest...)
	return u, err
}

func (db *PgUserRepository) CreateAccount(params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRow(
		"INSERT INTO accounts (name, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING "+accountColumns,
		params.Name,
		params.EmailAddress,
		params.PasswordHash,
		now,
	)

	return scanUser(row)
}

func (db *PgUserRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT "+accountColumns+" FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	return scanUser(row)
}

func (db *PgUserRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT "+accountColumns+", password_hash FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var passwordHash string
	u, err := scanUser(row, &passwordHash)
	u.PasswordHash = passwordHash
	return u, err
}

func (db *PgUserRepository) UpdateSettings(params UpdateSettingsParams) (User, error) {
	row := db.conn.QueryRow(
		"UPDATE accounts SET name = $2, image = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING "+accountColumns,
		params.UserId,
		params.Name,
		params.Image,
		time.Now().UTC(),
	)

	return scanUser(row)
}

func (db *PgUserRepository) ListUsers(excludeId int) ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT "+accountColumns+" FROM accounts "+
			"WHERE id <> $1 ORDER BY created_at DESC",
		excludeId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}
