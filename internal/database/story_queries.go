package database

import (
	"context"
	"time"

	"github.com/lib/pq"
)

const storyColumns = "id, author_id, media_type, media_url, caption, background_color, privacy, created_at, expires_at"

func scanStory(row rowScanner) (Story, error) {
	var s Story
	err := row.Scan(
		&s.Id,
		&s.AuthorId,
		&s.MediaType,
		&s.MediaURL,
		&s.Caption,
		&s.BackgroundColor,
		&s.Privacy,
		&s.CreatedAt,
		&s.ExpiresAt,
	)

	return s, mapError(err)
}

func (db *PgGoChatRepository) CreateStory(ctx context.Context, params CreateStoryParams) (Story, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO stories (author_id, media_type, media_url, caption, background_color, privacy, created_at, expires_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING "+storyColumns,
		params.AuthorId,
		params.MediaType,
		params.MediaURL,
		params.Caption,
		params.BackgroundColor,
		params.Privacy,
		params.CreatedAt.UTC(),
		params.ExpiresAt.UTC(),
	)

	return scanStory(row)
}

func (db *PgGoChatRepository) GetStory(ctx context.Context, id int64) (Story, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+storyColumns+" FROM stories WHERE id = $1",
		id,
	)

	return scanStory(row)
}

func (db *PgGoChatRepository) ListActiveStories(ctx context.Context, now time.Time) ([]Story, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+storyColumns+" FROM stories WHERE expires_at > $1 ORDER BY created_at ASC, id ASC",
		now.UTC(),
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var stories []Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, s)
	}

	return stories, mapError(rows.Err())
}

func (db *PgGoChatRepository) DeleteStory(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM stories WHERE id = $1", id)
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

func (db *PgGoChatRepository) CreateStoryView(ctx context.Context, view StoryView) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO story_views (story_id, viewer_id, viewed_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (story_id, viewer_id) DO NOTHING",
		view.StoryId,
		view.ViewerId,
		view.ViewedAt.UTC(),
	)
	if err != nil {
		return false, mapError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, mapError(err)
	}

	return n == 1, nil
}

func (db *PgGoChatRepository) ListStoryViews(ctx context.Context, storyId int64) ([]StoryView, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT story_id, viewer_id, viewed_at FROM story_views WHERE story_id = $1 ORDER BY viewed_at DESC",
		storyId,
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var views []StoryView
	for rows.Next() {
		var v StoryView
		if err := rows.Scan(&v.StoryId, &v.ViewerId, &v.ViewedAt); err != nil {
			return nil, mapError(err)
		}
		views = append(views, v)
	}

	return views, mapError(rows.Err())
}

func (db *PgGoChatRepository) GetCloseFriends(ctx context.Context, ownerId string) ([]string, error) {
	var friends pq.StringArray
	err := db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(array_agg(friend_id ORDER BY friend_id), '{}') FROM close_friends WHERE owner_id = $1",
		ownerId,
	).Scan(&friends)
	if err != nil {
		return nil, mapError(err)
	}

	return friends, nil
}

func (db *PgGoChatRepository) SetCloseFriends(ctx context.Context, ownerId string, friendIds []string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, "DELETE FROM close_friends WHERE owner_id = $1", ownerId); err != nil {
		return mapError(err)
	}

	friends := uniqueStrings(friendIds)
	if len(friends) > 0 {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO close_friends (owner_id, friend_id) SELECT $1, unnest($2::text[])",
			ownerId,
			pq.Array(friends),
		)
		if err != nil {
			return mapError(err)
		}
	}

	return mapError(tx.Commit())
}
