package user

import (
	"context"
	"database/sql"
	"errors"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	query := "INSERT INTO users (id, username, password, role, shop_name) VALUES ($1, $2, $3, $4, NULLIF($5, ''))"

	_, err := r.db.ExecContext(ctx, query, user.ID, user.Username, user.Password, user.Role, user.ShopName)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := "SELECT id, username, password, role, COALESCE(shop_name, '') FROM users WHERE username = $1"

	err := r.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.Password, &u.Role, &u.ShopName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return u, nil
}

// SearchShops finds vendors by shop name or username.
func (r *Repository) SearchShops(ctx context.Context, query string) ([]User, error) {
	// We limit to 10 to keep it fast
	q := `
		SELECT id, username, role, COALESCE(shop_name, '')
		FROM users
		WHERE role = 'vendor' AND (shop_name ILIKE $1 OR username ILIKE $1)
		LIMIT 10
	`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &u.ShopName); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
