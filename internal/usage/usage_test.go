package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, s.LogUsage(ctx, &Record{ConversationKey: "a", Provider: "p1", InputTokens: 10, OutputTokens: 5, CreatedAt: base}))
	require.NoError(t, s.LogUsage(ctx, &Record{ConversationKey: "a", Provider: "p2", InputTokens: 1, OutputTokens: 2, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.LogUsage(ctx, &Record{ConversationKey: "b", Provider: "p1", InputTokens: 100, CreatedAt: base}))

	recs, err := s.GetUsageByConversation(ctx, "a", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "p2", recs[0].Provider, "newest first")
	require.NotEmpty(t, recs[0].ID)

	total, err := s.GetTotalTokens(ctx, "a", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 18, total)

	recs, _ = s.GetUsageByConversation(ctx, "a", base.Add(30*time.Second), base.Add(time.Hour))
	require.Len(t, recs, 1)
}

func TestMemoryStore_StampsCreatedAt(t *testing.T) {
	s := NewMemoryStore()
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	rec := &Record{ConversationKey: "a"}
	require.NoError(t, s.LogUsage(context.Background(), rec))
	require.Equal(t, fixed, rec.CreatedAt)
}

// Postgres

type scanRow struct {
	values []any
	err    error
}

func (r *scanRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

type fakeRows struct {
	data [][]any
	pos  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.pos-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(r.data[r.pos-1], dest)
}

func assign(values, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(values), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = values[i].(string)
		case *int:
			*p = values[i].(int)
		case *int64:
			*p = values[i].(int64)
		case *time.Time:
			*p = values[i].(time.Time)
		default:
			return fmt.Errorf("scan: unsupported target %T", d)
		}
	}
	return nil
}

type fakeDB struct {
	lastSQL  string
	lastArgs []any
	row      *scanRow
	rows     *fakeRows
	queryErr error
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.lastSQL, f.lastArgs = sql, args
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	return f.row
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestPostgresStore_LogUsage(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	db := &fakeDB{row: &scanRow{values: []any{"id-1", created}}}
	s := NewPostgresStore(db)

	rec := &Record{ConversationKey: "tg:1", RequestID: "r", Provider: "deepseek", Model: "m", InputTokens: 3, OutputTokens: 4, Attempts: 2}
	require.NoError(t, s.LogUsage(context.Background(), rec))
	require.Equal(t, "id-1", rec.ID)
	require.Equal(t, created, rec.CreatedAt)
	require.True(t, strings.Contains(db.lastSQL, "INSERT INTO relay_usage"))
	require.Equal(t, "tg:1", db.lastArgs[0])
	require.Equal(t, 2, db.lastArgs[6])
}

func TestPostgresStore_LogUsageError(t *testing.T) {
	s := NewPostgresStore(&fakeDB{row: &scanRow{err: errors.New("conn refused")}})
	err := s.LogUsage(context.Background(), &Record{})
	require.ErrorContains(t, err, "failed to log usage")
}

func TestPostgresStore_GetUsageByConversation(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	db := &fakeDB{rows: &fakeRows{data: [][]any{
		{"id-2", "k", "r2", "gpt4o", "openai/gpt-4o", 1, 2, 1, int64(30), at.Add(time.Minute)},
		{"id-1", "k", "r1", "deepseek", "deepseek/deepseek-r1:free", 3, 4, 2, int64(50), at},
	}}}
	s := NewPostgresStore(db)

	recs, err := s.GetUsageByConversation(context.Background(), "k", at.Add(-time.Hour), at.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "gpt4o", recs[0].Provider)
	require.Equal(t, 2, recs[1].Attempts)
	require.EqualValues(t, 50, recs[1].LatencyMs)
}

func TestPostgresStore_QueryError(t *testing.T) {
	s := NewPostgresStore(&fakeDB{queryErr: errors.New("boom")})
	_, err := s.GetUsageByConversation(context.Background(), "k", time.Time{}, time.Now())
	require.ErrorContains(t, err, "failed to query usage")
}

func TestPostgresStore_GetTotalTokens(t *testing.T) {
	db := &fakeDB{row: &scanRow{values: []any{int64(42)}}}
	total, err := NewPostgresStore(db).GetTotalTokens(context.Background(), "k", time.Time{}, time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 42, total)
}

func TestPostgresStore_InitSchema(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, NewPostgresStore(db).InitSchema(context.Background()))
	require.Contains(t, db.lastSQL, "CREATE TABLE IF NOT EXISTS relay_usage")
}
