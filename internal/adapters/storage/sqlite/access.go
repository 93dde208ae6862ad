package sqlite

import (
	"context"

	"github.com/hylla/trellis/internal/domain"
)

// GrantAccess records an ACL entry, replacing the level of an existing one.
func (r *Repository) GrantAccess(ctx context.Context, e domain.ACLEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO acl_entries(user_id, entity_type, entity_id, level)
		VALUES (?1, ?2, ?3, ?4)
		ON CONFLICT(user_id, entity_type, entity_id) DO UPDATE SET level = excluded.level
	`, e.UserID, string(e.EntityType), e.EntityID, string(e.Level))
	return err
}

// GrantPermission records a permission grant; entityID may be domain.AnyEntity.
func (r *Repository) GrantPermission(ctx context.Context, userID string, action domain.Action, entityType domain.EntityType, entityID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO permission_grants(user_id, action, entity_type, entity_id)
		VALUES (?1, ?2, ?3, ?4)
	`, userID, string(action), string(entityType), entityID)
	return err
}

// HasPermission reports whether userID holds action on the entity, directly
// or through a wildcard grant.
func (r *Repository) HasPermission(ctx context.Context, userID string, action domain.Action, entityType domain.EntityType, entityID string) (bool, error) {
	n, err := count(ctx, r.db, `
		SELECT COUNT(*) FROM permission_grants
		WHERE user_id = ?1 AND action = ?2 AND entity_type = ?3 AND entity_id IN (?4, ?5)
	`, userID, string(action), string(entityType), entityID, domain.AnyEntity)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AllowedIDsForUser returns the entity ids the user holds one of levels on.
// Inheritance through ancestors is resolved by the caller.
func (r *Repository) AllowedIDsForUser(ctx context.Context, userID string, entityType domain.EntityType, levels []domain.AccessLevel) ([]string, error) {
	if len(levels) == 0 {
		return []string{}, nil
	}
	values := make([]string, 0, len(levels))
	for _, l := range levels {
		values = append(values, string(l))
	}
	b := newBuilder()
	userPH, typePH := b.Bind(userID), b.Bind(string(entityType))
	levelList := b.BindAll(values)
	rows, err := r.db.QueryContext(ctx, `
		SELECT entity_id FROM acl_entries
		WHERE user_id = `+userPH+` AND entity_type = `+typePH+` AND level IN (`+levelList+`)
		ORDER BY entity_id ASC
	`, b.Params()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
