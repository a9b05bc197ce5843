package cache

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

// newTestDB creates an in-memory SQLite database with a test table.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE users (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	_, err = db.Exec(`
		INSERT INTO users (id, name, email) VALUES
			(1, 'Alice', 'alice@example.com'),
			(2, 'Bob', 'bob@example.com'),
			(3, 'Charlie', 'charlie@example.com')
	`)
	if err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}

	return db
}

func TestCachedDB_SelectIsCached(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	cached := NewCachedDB(db, 10, 0)
	defer cached.Close()

	ctx := context.Background()

	result1, err := cached.Query(ctx, "SELECT * FROM users WHERE id = ?", 1)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(result1.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(result1.Rows))
	}

	stats := cached.Stats()
	if stats.Misses != 1 || stats.Hits != 0 {
		t.Errorf("expected 1 miss, 0 hits; got %d misses, %d hits",
			stats.Misses, stats.Hits)
	}

	result2, err := cached.Query(ctx, "SELECT * FROM users WHERE id = ?", 1)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	stats = cached.Stats()
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit after second query, got %d", stats.Hits)
	}

	if result1 != result2 {
		t.Error("expected cached result to be same pointer")
	}
}

func TestCachedDB_DifferentArgsAreSeparate(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	cached := NewCachedDB(db, 10, 0)
	defer cached.Close()

	ctx := context.Background()

	r1, err := cached.Query(ctx, "SELECT * FROM users WHERE id = ?", 1)
	if err != nil {
		t.Fatal(err)
	}

	r2, err := cached.Query(ctx, "SELECT * FROM users WHERE id = ?", 2)
	if err != nil {
		t.Fatal(err)
	}

	if r1 == r2 {
		t.Error("expected different results for different args")
	}

	stats := cached.Stats()
	if stats.Misses != 2 {
		t.Errorf("expected 2 misses, got %d", stats.Misses)
	}
}

func TestCachedDB_InsertInvalidatesCache(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	cached := NewCachedDB(db, 10, 0)
	defer cached.Close()

	ctx := context.Background()

	// Warm the cache.
	_, err := cached.Query(ctx, "SELECT * FROM users")
	if err != nil {
		t.Fatal(err)
	}

	stats := cached.Stats()
	if stats.Entries != 1 {
		t.Fatalf("expected 1 cached entry, got %d", stats.Entries)
	}

	// INSERT invalidates entries that reference the "users" table.
	_, err = cached.Exec(ctx, "INSERT INTO users (id, name, email) VALUES (4, 'Dave', 'dave@example.com')")
	if err != nil {
		t.Fatal(err)
	}

	stats = cached.Stats()
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after INSERT, got %d", stats.Entries)
	}

	// Re-query should now include the new row.
	result, err := cached.Query(ctx, "SELECT * FROM users")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Rows) != 4 {
		t.Errorf("expected 4 rows after INSERT, got %d", len(result.Rows))
	}
}

func TestCachedDB_UpdateInvalidatesCache(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	cached := NewCachedDB(db, 10, 0)
	defer cached.Close()

	ctx := context.Background()

	_, err := cached.Query(ctx, "SELECT name FROM users WHERE id = ?", 1)
	if err != nil {
		t.Fatal(err)
	}

	_, err = cached.Exec(ctx, "UPDATE users SET name = 'Alicia' WHERE id = 1")
	if err != nil {
		t.Fatal(err)
	}

	stats := cached.Stats()
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after UPDATE, got %d", stats.Entries)
	}

	result, err := cached.Query(ctx, "SELECT name FROM users WHERE id = ?", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Rows) != 1 {
		t.Fatal("expected 1 row")
	}
	name, ok := result.Rows[0][0].(string)
	if !ok || name != "Alicia" {
		t.Errorf("expected 'Alicia', got %v", result.Rows[0][0])
	}
}

func TestCachedDB_DeleteQueryInvalidatesCache(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	cached := NewCachedDB(db, 10, 0)
	defer cached.Close()

	ctx := context.Background()

	result, err := cached.Query(ctx, "DELETE FROM users WHERE id = ?", 3)
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Rows) != 0 {
		t.Errorf("expected 0 rows for DELETE result, got %d", len(result.Rows))
	}

	stats := cached.Stats()
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after DELETE via Query, got %d", stats.Entries)
	}
}

func TestCachedDB_ManualInvalidate(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	cached := NewCachedDB(db, 10, 0)
	defer cached.Close()

	ctx := context.Background()

	_, err := cached.Query(ctx, "SELECT * FROM users WHERE id = ?", 1)
	if err != nil {
		t.Fatal(err)
	}

	stats := cached.Stats()
	if stats.Entries != 1 {
		t.Fatalf("expected 1 entry, got %d", stats.Entries)
	}

	cached.Invalidate("SELECT * FROM users WHERE id = ?", 1)

	stats = cached.Stats()
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after invalidation, got %d", stats.Entries)
	}
}

func TestCachedDB_InvalidateAll(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	cached := NewCachedDB(db, 10, 0)
	defer cached.Close()

	ctx := context.Background()

	_, _ = cached.Query(ctx, "SELECT * FROM users WHERE id = ?", 1)
	_, _ = cached.Query(ctx, "SELECT * FROM users WHERE id = ?", 2)
	_, _ = cached.Query(ctx, "SELECT * FROM users")

	stats := cached.Stats()
	if stats.Entries != 3 {
		t.Fatalf("expected 3 entries, got %d", stats.Entries)
	}

	cached.InvalidateAll()

	stats = cached.Stats()
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after InvalidateAll, got %d", stats.Entries)
	}
}

func TestCachedDB_DisableCache(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	cached := NewCachedDB(db, 10, 0)
	defer cached.Close()

	ctx := context.Background()

	cached.SetEnabled(false)

	_, err := cached.Query(ctx, "SELECT * FROM users WHERE id = ?", 1)
	if err != nil {
		t.Fatal(err)
	}

	stats := cached.Stats()
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries when cache disabled, got %d", stats.Entries)
	}

	cached.SetEnabled(true)

	_, err = cached.Query(ctx, "SELECT * FROM users WHERE id = ?", 1)
	if err != nil {
		t.Fatal(err)
	}

	stats = cached.Stats()
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry after re-enabling, got %d", stats.Entries)
	}
}

func TestCachedDB_QueryResult_Columns(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	cached := NewCachedDB(db, 10, 0)
	defer cached.Close()

	ctx := context.Background()

	result, err := cached.Query(ctx, "SELECT id, name, email FROM users ORDER BY id")
	if err != nil {
		t.Fatal(err)
	}

	expectedCols := []string{"id", "name", "email"}
	if len(result.Columns) != len(expectedCols) {
		t.Fatalf("expected %d columns, got %d", len(expectedCols), len(result.Columns))
	}
	for i, col := range result.Columns {
		if col != expectedCols[i] {
			t.Errorf("column %d: expected %q, got %q", i, expectedCols[i], col)
		}
	}

	if len(result.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(result.Rows))
	}
}

// --- Table-level invalidation tests ---

func TestCachedDB_TableLevelInvalidation(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	// Create a second table.
	_, err := db.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, user_id INTEGER, amount REAL)`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`INSERT INTO orders VALUES (1, 1, 9.99), (2, 2, 19.99)`)
	if err != nil {
		t.Fatal(err)
	}

	cached := NewCachedDB(db, 10, 0)
	defer cached.Close()

	ctx := context.Background()

	// Warm cache with queries for both tables.
	_, _ = cached.Query(ctx, "SELECT * FROM users")
	_, _ = cached.Query(ctx, "SELECT * FROM orders")

	stats := cached.Stats()
	if stats.Entries != 2 {
		t.Fatalf("expected 2 entries, got %d", stats.Entries)
	}

	// INSERT into orders should only invalidate the orders entry.
	_, err = cached.Exec(ctx, "INSERT INTO orders (id, user_id, amount) VALUES (3, 3, 29.99)")
	if err != nil {
		t.Fatal(err)
	}

	stats = cached.Stats()
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry (users still cached), got %d", stats.Entries)
	}

	// Verify the users query is still cached (hit).
	_, err = cached.Query(ctx, "SELECT * FROM users")
	if err != nil {
		t.Fatal(err)
	}
	stats = cached.Stats()
	if stats.Hits < 1 {
		t.Error("expected users query to still be cached after orders INSERT")
	}
}

func TestCachedDB_InvalidateTable(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	cached := NewCachedDB(db, 10, 0)
	defer cached.Close()

	ctx := context.Background()

	_, _ = cached.Query(ctx, "SELECT * FROM users WHERE id = ?", 1)
	_, _ = cached.Query(ctx, "SELECT * FROM users WHERE id = ?", 2)

	stats := cached.Stats()
	if stats.Entries != 2 {
		t.Fatalf("expected 2 entries, got %d", stats.Entries)
	}

	cached.InvalidateTable("users")

	stats = cached.Stats()
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after InvalidateTable, got %d", stats.Entries)
	}
}

func TestCachedDB_CachedBytesGauge(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	cached := NewCachedDB(db, 10, 1)
	defer cached.Close()

	ctx := context.Background()

	result, err := cached.Query(ctx, "SELECT * FROM users")
	if err != nil {
		t.Fatal(err)
	}

	stats := cached.Stats()
	if want := EstimateSize(result); stats.CachedBytes != want {
		t.Errorf("expected CachedBytes %d, got %d", want, stats.CachedBytes)
	}

	cached.Invalidate("SELECT * FROM users")

	stats = cached.Stats()
	if stats.CachedBytes != 0 {
		t.Errorf("expected CachedBytes 0 after invalidation, got %d", stats.CachedBytes)
	}
}

// --- SQL parsing tests ---

func TestIsWriteQuery(t *testing.T) {
	writes := []string{
		"INSERT INTO users VALUES (1)",
		"  update users set name = 'x'",
		"DELETE FROM users",
		"DROP TABLE users",
		"TRUNCATE TABLE users",
		"WITH t AS (SELECT 1) INSERT INTO users SELECT * FROM t",
	}
	for _, q := range writes {
		if !isWriteQueryFast(q) {
			t.Errorf("expected %q to be detected as write query", q)
		}
	}

	reads := []string{
		"SELECT * FROM users",
		"  select 1",
		"EXPLAIN SELECT * FROM users",
		"WITH t AS (SELECT 1) SELECT * FROM t",
		"DESCRIBE users",
	}
	for _, q := range reads {
		if isWriteQueryFast(q) {
			t.Errorf("expected %q to NOT be detected as write query", q)
		}
	}
}

func TestExtractWriteTable(t *testing.T) {
	tests := []struct {
		query string
		table string
	}{
		{"INSERT INTO users VALUES (1)", "USERS"},
		{"insert into main.users values (1)", "USERS"},
		{"UPDATE orders SET amount = 1", "ORDERS"},
		{"DELETE FROM users WHERE id = 1", "USERS"},
		{"DROP TABLE IF EXISTS users", "USERS"},
		{"CREATE TABLE IF NOT EXISTS logs (id INT)", "LOGS"},
		{"ALTER TABLE `users` ADD COLUMN age INT", "USERS"},
	}
	for _, tt := range tests {
		if got := extractWriteTableFromTokens(sqlTokens(tt.query)); got != tt.table {
			t.Errorf("extractWriteTable(%q) = %q, want %q", tt.query, got, tt.table)
		}
	}
}

func TestExtractTableNames(t *testing.T) {
	tests := []struct {
		query  string
		tables []string
	}{
		{"SELECT * FROM users", []string{"USERS"}},
		{"SELECT * FROM users u JOIN orders o ON u.id = o.user_id", []string{"USERS", "ORDERS"}},
		{"SELECT * FROM (SELECT * FROM users)", []string{"USERS"}},
		{"SELECT 1", nil},
	}
	for _, tt := range tests {
		got := extractTableNames(tt.query)
		if len(got) != len(tt.tables) {
			t.Errorf("extractTableNames(%q) = %v, want %v", tt.query, got, tt.tables)
			continue
		}
		for i := range got {
			if got[i] != tt.tables[i] {
				t.Errorf("extractTableNames(%q)[%d] = %q, want %q", tt.query, i, got[i], tt.tables[i])
			}
		}
	}
}

func TestCachedDB_WriteInvalidatesDuallyResidentEntry(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	// Single shard with a 2-entry ARC so the promotion machinery is
	// easy to pressure deterministically.
	cached := NewCachedDB(db, 2, 1)
	defer cached.Close()

	ctx := context.Background()

	queryEmail := "SELECT email FROM users WHERE id = ?"
	email := func(id int) string {
		t.Helper()
		result, err := cached.Query(ctx, queryEmail, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Rows) != 1 {
			t.Fatalf("expected 1 row, got %d", len(result.Rows))
		}
		s, ok := result.Rows[0][0].(string)
		if !ok {
			t.Fatalf("expected string email, got %T", result.Rows[0][0])
		}
		return s
	}

	// Ghost warm-up: re-reading an evicted query grows the recency
	// partition to 3 and shrinks the frequency partition to 1.
	for _, id := range []int{1, 2, 3, 1} {
		if _, err := cached.Query(ctx, "SELECT name FROM users WHERE id = ?", id); err != nil {
			t.Fatal(err)
		}
	}

	// Promote the id=1 email query into the frequency partition.
	email(1)
	email(1)
	email(1)

	// Promoting a second query overflows the one-slot frequency
	// partition and pushes the first straight back out of it — while
	// its recency copy is still resident and servable.
	email(2)
	email(2)
	email(2)

	if got := email(1); got != "alice@example.com" {
		t.Fatalf("expected cached email %q, got %q", "alice@example.com", got)
	}

	// The entry is still cached, so the table index must still know
	// about it: a write to users has to invalidate it.
	if _, err := cached.Exec(ctx, "UPDATE users SET email = 'alicia@example.org' WHERE id = 1"); err != nil {
		t.Fatal(err)
	}

	if got := email(1); got != "alicia@example.org" {
		t.Fatalf("expected fresh email after UPDATE, got stale %q", got)
	}
}
