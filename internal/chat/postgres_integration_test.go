//go:build integration

package chat

import (
	"context"
	"testing"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// reactingPublisher marks every inserted message read and hidden for
// reader as soon as the Insert is announced, before the insert commits.
type reactingPublisher struct {
	ledger   *Ledger
	pipeline *Pipeline
	reader   string
	results  chan error
}

func (p *reactingPublisher) Publish(ctx context.Context, roomId string, ev hub.Event) error {
	ins, ok := ev.(hub.Insert)
	if !ok {
		return nil
	}

	id := ins.Message.Id
	go func() {
		p.results <- p.ledger.MarkRead(context.Background(), p.reader, []int64{id})
	}()
	go func() {
		p.results <- p.pipeline.HideForUser(context.Background(), id, p.reader)
	}()
	return nil
}

func TestReactionsToInsertOnPostgres(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("gochat"),
		postgres.WithUsername("gochat"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	repo, err := database.NewPgGoChatRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, repo.Migrate())

	pub := &reactingPublisher{reader: "b", results: make(chan error, 2)}
	f := newFixture(t, withRepo(repo), withPublisher(pub))
	pub.ledger, pub.pipeline = f.ledger, f.pipeline

	m := f.send(t, "a_b", "a", "read me right away")

	for range 2 {
		require.NoError(t, <-pub.results)
	}

	readers, err := repo.ListReaders(ctx, m.Id)
	require.NoError(t, err)
	require.Len(t, readers, 1)
	assert.Equal(t, "b", readers[0].UserId)

	forB, err := f.store.FetchRoom(ctx, "a_b", "b", 0)
	require.NoError(t, err)
	assert.Empty(t, forB)
}
