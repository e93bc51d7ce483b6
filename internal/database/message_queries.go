package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

const messageColumns = "id, room_id, author_id, content, attachment_url, attachment_type, reply_to_id, is_deleted, client_token, created_at"

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	err := row.Scan(
		&m.Id,
		&m.RoomId,
		&m.AuthorId,
		&m.Content,
		&m.AttachmentURL,
		&m.AttachmentType,
		&m.ReplyToId,
		&m.IsDeleted,
		&m.ClientToken,
		&m.CreatedAt,
	)

	return m, mapError(err)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	return msgs, mapError(rows.Err())
}

func (db *PgGoChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams, beforeCommit BeforeCommitFunc) (Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, mapError(err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx,
		"INSERT INTO messages (room_id, author_id, content, attachment_url, attachment_type, reply_to_id, client_token, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING "+messageColumns,
		params.RoomId,
		params.AuthorId,
		params.Content,
		params.AttachmentURL,
		params.AttachmentType,
		params.ReplyToId,
		params.ClientToken,
		params.CreatedAt.UTC(),
	)

	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, err
	}

	if beforeCommit != nil {
		if err := beforeCommit(msg); err != nil {
			return Message{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Message{}, mapError(err)
	}

	return msg, nil
}

func (db *PgGoChatRepository) GetMessage(ctx context.Context, id int64) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1",
		id,
	)

	return scanMessage(row)
}

func (db *PgGoChatRepository) GetMessageByClientToken(ctx context.Context, roomId, authorId, token string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE room_id = $1 AND author_id = $2 AND client_token = $3",
		roomId,
		authorId,
		token,
	)

	return scanMessage(row)
}

func (db *PgGoChatRepository) GetMessagesByIds(ctx context.Context, ids []int64) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return nil, mapError(err)
	}

	return scanMessages(rows)
}

func (db *PgGoChatRepository) ListRoomMessages(ctx context.Context, roomId, viewerId string, limit int) ([]Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT m.* FROM messages m
			WHERE m.room_id = $1
			AND NOT EXISTS (
				SELECT 1 FROM tombstones t
				WHERE t.message_id = m.id AND t.user_id = $2
			)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC, id ASC
`

	rows, err := db.conn.QueryContext(ctx, query, roomId, viewerId, limit)
	if err != nil {
		return nil, mapError(err)
	}

	return scanMessages(rows)
}

func (db *PgGoChatRepository) ListMedia(ctx context.Context, authorId, roomId string, limit int) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE author_id = $1 AND attachment_url IS NOT NULL AND ($2 = '' OR room_id = $2) "+
			"ORDER BY created_at DESC, id DESC LIMIT $3",
		authorId,
		roomId,
		limit,
	)
	if err != nil {
		return nil, mapError(err)
	}

	return scanMessages(rows)
}

func (db *PgGoChatRepository) AttachmentShared(ctx context.Context, url string, excludeId int64) (bool, error) {
	var shared bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM messages WHERE attachment_url = $1 AND id <> $2 AND NOT is_deleted)",
		url,
		excludeId,
	).Scan(&shared)

	return shared, mapError(err)
}

func (db *PgGoChatRepository) DeleteMessage(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return mapError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgGoChatRepository) BlankMessage(ctx context.Context, id int64) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET content = NULL, attachment_url = NULL, attachment_type = NULL, is_deleted = true "+
			"WHERE id = $1 AND NOT is_deleted RETURNING "+messageColumns,
		id,
	)

	return scanMessage(row)
}

func (db *PgGoChatRepository) CreateTombstones(ctx context.Context, userId string, ids []int64, at time.Time) error {
	ids = uniqueIds(ids)
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer rollback(tx)

	var found int
	err = tx.QueryRowContext(ctx,
		"SELECT count(*) FROM messages WHERE id = ANY($1)",
		pq.Array(ids),
	).Scan(&found)
	if err != nil {
		return mapError(err)
	}
	if found != len(ids) {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO tombstones (message_id, user_id, created_at) "+
			"SELECT unnest($2::bigint[]), $1, $3 "+
			"ON CONFLICT (message_id, user_id) DO NOTHING",
		userId,
		pq.Array(ids),
		at.UTC(),
	)
	if err != nil {
		return mapError(err)
	}

	return mapError(tx.Commit())
}

func (db *PgGoChatRepository) CreateArchive(ctx context.Context, a Archive) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO message_archives (original_message_id, room_id, author_id, content, attachment_url, archived_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6)",
		a.OriginalMessageId,
		a.RoomId,
		a.AuthorId,
		a.Content,
		a.AttachmentURL,
		a.ArchivedAt.UTC(),
	)

	return mapError(err)
}

func (db *PgGoChatRepository) ListArchives(ctx context.Context, originalMessageId int64) ([]Archive, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, original_message_id, room_id, author_id, content, attachment_url, archived_at "+
			"FROM message_archives WHERE original_message_id = $1 ORDER BY archived_at",
		originalMessageId,
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var archives []Archive
	for rows.Next() {
		var a Archive
		if err := rows.Scan(&a.Id, &a.OriginalMessageId, &a.RoomId, &a.AuthorId, &a.Content, &a.AttachmentURL, &a.ArchivedAt); err != nil {
			return nil, mapError(err)
		}
		archives = append(archives, a)
	}

	return archives, mapError(rows.Err())
}

func (db *PgGoChatRepository) UpsertReceipts(ctx context.Context, readerId string, ids []int64, at time.Time) ([]int64, error) {
	query := `
		WITH targets AS (
			SELECT id FROM messages WHERE id = ANY($2) AND author_id <> $1
		), prior AS (
			SELECT DISTINCT message_id FROM read_receipts
			WHERE message_id IN (SELECT id FROM targets)
		), ins AS (
			INSERT INTO read_receipts (message_id, user_id, read_at)
			SELECT id, $1, $3 FROM targets
			ON CONFLICT (message_id, user_id) DO NOTHING
			RETURNING message_id
		)
		SELECT message_id FROM ins
		WHERE message_id NOT IN (SELECT message_id FROM prior)
		ORDER BY message_id
`

	rows, err := db.conn.QueryContext(ctx, query, readerId, pq.Array(uniqueIds(ids)), at.UTC())
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var firstRead []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err)
		}
		firstRead = append(firstRead, id)
	}

	return firstRead, mapError(rows.Err())
}

func (db *PgGoChatRepository) ListReaders(ctx context.Context, messageId int64) ([]Receipt, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT message_id, user_id, read_at FROM read_receipts WHERE message_id = $1 ORDER BY read_at DESC, user_id",
		messageId,
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.MessageId, &r.UserId, &r.ReadAt); err != nil {
			return nil, mapError(err)
		}
		receipts = append(receipts, r)
	}

	return receipts, mapError(rows.Err())
}
