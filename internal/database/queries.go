package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const accountColumns = "id, username, email, password_hash, last_seen_at, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (User, error) {
	var (
		u        User
		lastSeen sql.NullTime
	)
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PasswordHash,
		&lastSeen,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	u.LastSeenAt = lastSeen.Time

	return u, mapError(err)
}

func (db *PgGoChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (id, username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING "+accountColumns,
		params.Id,
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		now,
	)

	return scanAccount(row)
}

func (db *PgGoChatRepository) GetAccountById(ctx context.Context, id string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1 LIMIT 1",
		id,
	)

	return scanAccount(row)
}

func (db *PgGoChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE email = $1 LIMIT 1",
		email,
	)

	return scanAccount(row)
}

func (db *PgGoChatRepository) GetAccountsByIds(ctx context.Context, ids []string) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, mapError(rows.Err())
}

func (db *PgGoChatRepository) TouchLastSeen(ctx context.Context, userId string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE accounts SET last_seen_at = GREATEST(last_seen_at, $2) WHERE id = $1",
		userId,
		at.UTC(),
	)

	return mapError(err)
}

func (db *PgGoChatRepository) CreateGroup(ctx context.Context, params CreateGroupParams) (Group, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Group{}, mapError(err)
	}
	defer rollback(tx)

	g := Group{Id: params.Id, Name: params.Name, OwnerId: params.OwnerId}
	err = tx.QueryRowContext(ctx,
		"INSERT INTO groups (id, name, owner_id, created_at) VALUES ($1, $2, $3, $4) RETURNING created_at",
		params.Id,
		params.Name,
		params.OwnerId,
		time.Now().UTC(),
	).Scan(&g.CreatedAt)
	if err != nil {
		return Group{}, mapError(err)
	}

	members := uniqueStrings(append([]string{params.OwnerId}, params.Members...))
	_, err = tx.ExecContext(ctx,
		"INSERT INTO group_members (group_id, account_id) SELECT $1, unnest($2::text[])",
		params.Id,
		pq.Array(members),
	)
	if err != nil {
		return Group{}, mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return Group{}, mapError(err)
	}

	g.Members = members
	return g, nil
}

const groupQuery = `
		SELECT g.id, g.name, g.owner_id, g.created_at, array_agg(gm.account_id ORDER BY gm.account_id)
		FROM groups g
		JOIN group_members gm ON gm.group_id = g.id
`

func scanGroup(row rowScanner) (Group, error) {
	var (
		g       Group
		members pq.StringArray
	)
	err := row.Scan(&g.Id, &g.Name, &g.OwnerId, &g.CreatedAt, &members)
	g.Members = members

	return g, mapError(err)
}

func (db *PgGoChatRepository) GetGroup(ctx context.Context, id string) (Group, error) {
	row := db.conn.QueryRowContext(ctx,
		groupQuery+" WHERE g.id = $1 GROUP BY g.id",
		id,
	)

	return scanGroup(row)
}

func (db *PgGoChatRepository) ListGroups(ctx context.Context, userId string) ([]Group, error) {
	rows, err := db.conn.QueryContext(ctx,
		groupQuery+" WHERE g.id IN (SELECT group_id FROM group_members WHERE account_id = $1) "+
			"GROUP BY g.id ORDER BY g.created_at DESC",
		userId,
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}

	return groups, mapError(rows.Err())
}

func (db *PgGoChatRepository) CreateInvite(ctx context.Context, invite GroupInvite) error {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO group_invites (group_id, account_id, invited_by, created_at)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND account_id = $2)`,
		invite.GroupId,
		invite.AccountId,
		invite.InvitedBy,
		time.Now().UTC(),
	)
	if err != nil {
		return mapError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: already a member", ErrConflict)
	}
	return nil
}

func (db *PgGoChatRepository) AcceptInvite(ctx context.Context, groupId, accountId string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		"DELETE FROM group_invites WHERE group_id = $1 AND account_id = $2",
		groupId,
		accountId,
	)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO group_members (group_id, account_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		groupId,
		accountId,
	)
	if err != nil {
		return mapError(err)
	}

	return mapError(tx.Commit())
}

func (db *PgGoChatRepository) ListInvites(ctx context.Context, accountId string) ([]GroupInvite, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT gi.group_id, g.name, gi.account_id, gi.invited_by, gi.created_at
		FROM group_invites gi
		JOIN groups g ON g.id = gi.group_id
		WHERE gi.account_id = $1
		ORDER BY gi.created_at DESC`,
		accountId,
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var invites []GroupInvite
	for rows.Next() {
		var inv GroupInvite
		if err := rows.Scan(&inv.GroupId, &inv.GroupName, &inv.AccountId, &inv.InvitedBy, &inv.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		invites = append(invites, inv)
	}

	return invites, mapError(rows.Err())
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func uniqueIds(in []int64) []int64 {
	seen := make(map[int64]struct{}, len(in))
	out := make([]int64, 0, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
