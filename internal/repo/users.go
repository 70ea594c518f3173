package repo

import (
	"context"
	"database/sql"

	"trackline/internal/domain"
)

func (r Repo) UpsertUser(ctx context.Context, q Querier, u domain.User) error {
	_, err := r.exec(ctx, q, `INSERT INTO users(id,name,email,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email`, u.ID, u.Name, nullable(u.Email), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, q Querier, id string) (domain.User, error) {
	var u domain.User
	var email sql.NullString
	err := r.queryRow(ctx, q, `SELECT id,name,email,created_at FROM users WHERE id=?`, id).Scan(&u.ID, &u.Name, &email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Email = email.String
	return u, err
}

// GetUsers looks up the given ids; unknown ids are absent from the result.
func (r Repo) GetUsers(ctx context.Context, q Querier, ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.query(ctx, q, `SELECT id,name,email,created_at FROM users WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var email sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &email, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Email = email.String
		res = append(res, u)
	}
	return res, rows.Err()
}

// MissingUsers returns the ids that are not in the directory.
func (r Repo) MissingUsers(ctx context.Context, q Querier, ids []string) ([]string, error) {
	found, err := r.GetUsers(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(found))
	for _, u := range found {
		known[u.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !known[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
