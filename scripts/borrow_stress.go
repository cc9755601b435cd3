//go:build ignore
// +build ignore

// Manual concurrency stress test for the borrow endpoint.
//
// Usage:
//
//	go run ./scripts/borrow_stress.go <book_id> <patron1_id> [patron2_id ...]
//
// Or via environment variables:
//
//	BOOK_ID=<uuid>  PATRON_IDS=<p1,p2,...>  go run ./scripts/borrow_stress.go
//
// What it does:
//  1. Fires N goroutines (one per patron) all attempting to borrow the same book
//     simultaneously.
//  2. Tallies how many succeeded vs. were turned away with "no available copies".
//  3. The system is correct when successes never exceed the book's available
//     copies: the row lock plus the guarded counter update must serialize the
//     decrement, so two borrows of the last copy can never both succeed.
//
// Prerequisites:
//   - Server must be running with DATABASE_URL set.
//   - The book must exist with a known number of available copies.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultServerAddr = "http://localhost:8080"

type borrowResult struct {
	PatronID   string
	Status     string // "ok" or "error"
	Message    string
	StatusCode int
	Err        error
}

func main() {
	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = defaultServerAddr
	}

	bookID := os.Getenv("BOOK_ID")
	patronIDsEnv := os.Getenv("PATRON_IDS")

	var patronIDs []string
	if patronIDsEnv != "" {
		patronIDs = strings.Split(patronIDsEnv, ",")
	}

	args := os.Args[1:]
	if len(args) >= 1 {
		bookID = args[0]
	}
	if len(args) >= 2 {
		patronIDs = args[1:]
	}

	if bookID == "" {
		log.Fatal("Usage: BOOK_ID=<uuid> PATRON_IDS=<p1,p2,...> go run ./scripts/borrow_stress.go\n" +
			"  or: go run ./scripts/borrow_stress.go <book_id> <patron1_id> [patron2_id ...]")
	}
	if len(patronIDs) == 0 {
		log.Fatal("At least one patron ID must be provided via PATRON_IDS env or positional args")
	}

	fmt.Printf("=== Borrow Concurrency Test ===\n")
	fmt.Printf("Server  : %s\n", serverAddr)
	fmt.Printf("Book    : %s\n", bookID)
	fmt.Printf("Patrons : %d\n\n", len(patronIDs))

	results := make([]borrowResult, len(patronIDs))
	var wg sync.WaitGroup

	// Fire all goroutines simultaneously using a barrier.
	start := make(chan struct{})

	for i, pid := range patronIDs {
		wg.Add(1)
		go func(idx int, patronID string) {
			defer wg.Done()
			<-start
			results[idx] = attemptBorrow(serverAddr, bookID, strings.TrimSpace(patronID))
		}(i, pid)
	}

	fmt.Println("Firing all requests simultaneously...")
	close(start)

	wg.Wait()
	fmt.Println("All requests completed.")
	fmt.Println()

	var borrows, unavailable, failures int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failures++
			fmt.Printf("  [ERR ] patron=%-8s err=%v\n", r.PatronID, r.Err)
		case r.Status == "ok":
			borrows++
			fmt.Printf("  [BRRW] patron=%-8s status=%d borrowed\n", r.PatronID, r.StatusCode)
		case r.StatusCode == http.StatusConflict:
			unavailable++
			fmt.Printf("  [FULL] patron=%-8s status=%d %s\n", r.PatronID, r.StatusCode, r.Message)
		default:
			failures++
			fmt.Printf("  [FAIL] patron=%-8s status=%d %s\n", r.PatronID, r.StatusCode, r.Message)
		}
	}

	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Borrows     : %d\n", borrows)
	fmt.Printf("Turned away : %d\n", unavailable)
	fmt.Printf("Failures    : %d\n", failures)
	fmt.Printf("Total       : %d\n\n", len(patronIDs))

	fmt.Println("--- Invariant Check ---")
	fmt.Println("The FOR UPDATE lock on the book row plus the guarded available_copies")
	fmt.Println("update mean successful borrows can never exceed the copies that were")
	fmt.Printf("available. Borrows recorded: %d — compare against the book's available count.\n", borrows)

	if failures > 0 {
		fmt.Printf("\n[WARNING] %d request(s) failed — check server logs for details.\n", failures)
		os.Exit(1)
	}
}

// attemptBorrow sends POST /books/{bookID}/borrow for the given patronID and
// parses the JSON envelope.
func attemptBorrow(serverAddr, bookID, patronID string) borrowResult {
	url := fmt.Sprintf("%s/books/%s/borrow", serverAddr, bookID)
	body := fmt.Sprintf(`{"patron_id":"%s"}`, patronID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		return borrowResult{PatronID: patronID, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	var parsed struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return borrowResult{PatronID: patronID, StatusCode: resp.StatusCode, Err: fmt.Errorf("bad JSON: %s", raw)}
	}

	return borrowResult{
		PatronID:   patronID,
		Status:     parsed.Status,
		Message:    parsed.Message,
		StatusCode: resp.StatusCode,
	}
}
