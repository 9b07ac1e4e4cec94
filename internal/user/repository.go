package user

import (
	"context"
	"database/sql"
	"errors"

	"galaxy-chat/internal/db"
)

type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	var id int
	query := r.db.Rebind("INSERT INTO users (email, name, password, role, profile_pic) VALUES (?, ?, ?, ?, ?) RETURNING id")

	err := r.db.Conn.QueryRowContext(ctx, query, user.Email, user.Name, user.Password, user.Role, user.ProfilePic).Scan(&id)
	if err != nil {
		return nil, err
	}

	user.ID = id
	return user, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u := &User{}
	query := r.db.Rebind("SELECT id, email, name, password, role, profile_pic FROM users WHERE email = ?")

	err := r.db.Conn.QueryRowContext(ctx, query, email).Scan(&u.ID, &u.Email, &u.Name, &u.Password, &u.Role, &u.ProfilePic)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// We limit to 10 to keep it fast
	q := r.db.Rebind(`SELECT id, email, name, role, profile_pic FROM users
		WHERE LOWER(email) LIKE LOWER(?) OR LOWER(name) LIKE LOWER(?)
		ORDER BY email LIMIT 10`)
	pattern := "%" + query + "%"
	rows, err := r.db.Conn.QueryContext(ctx, q, pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.ProfilePic); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
