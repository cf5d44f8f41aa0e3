package store

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"
)

// TestNextCRNumberConcurrentAllocations verifies that simultaneous creates
// on the same UTC day never receive the same number.
func TestNextCRNumberConcurrentAllocations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	st := NewPostgresStore(db)

	// An arbitrary fixed day keeps the run isolated from real traffic.
	day := time.Date(2031, 7, 4, 9, 0, 0, 0, time.UTC)
	if _, err := db.ExecContext(ctx, `DELETE FROM cr_counters WHERE day=$1`, day.Format("20060102")); err != nil {
		t.Fatalf("reset counter: %v", err)
	}

	const workers = 16
	numbers := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			numbers[i], errs[i] = st.NextCRNumber(ctx, day)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, workers)
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("allocation %d: %v", i, errs[i])
		}
		if seen[numbers[i]] {
			t.Fatalf("duplicate number allocated: %s", numbers[i])
		}
		seen[numbers[i]] = true
	}

	sort.Strings(numbers)
	for i, want := 0, 1; i < workers; i, want = i+1, want+1 {
		expected := fmt.Sprintf("CR-20310704-%04d", want)
		if numbers[i] != expected {
			t.Fatalf("numbers[%d] = %s, want %s", i, numbers[i], expected)
		}
	}
}

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := testGetenv("TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := testGetenv("POSTGRES_HOST", "localhost")
	port := testGetenv("POSTGRES_PORT", "5432")
	user := testGetenv("POSTGRES_USER", "changeman")
	pass := testGetenv("POSTGRES_PASSWORD", "changeman")
	dbname := testGetenv("POSTGRES_DB", "changeman_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func testGetenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
