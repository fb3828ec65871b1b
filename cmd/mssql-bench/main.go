// Command mssql-bench runs a single query repeatedly against a DSN and
// reports latency, going through database/sql's QueryContext rather than
// the pool or wire layers directly.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/praxiomlabs/go-mssqldb"
)

func main() {
	dsn := flag.String("dsn", "", "connection string, e.g. server=db01;user id=sa;password=...;database=bench")
	query := flag.String("query", "SELECT 1", "query to run on every iteration")
	iterations := flag.Int("iterations", 100, "total iterations across all workers")
	concurrency := flag.Int("concurrency", 4, "number of concurrent workers")
	timeout := flag.Duration("timeout", 10*time.Second, "per-query timeout")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("mssql-bench: -dsn is required")
	}

	db, err := sql.Open("sqlserver", *dsn)
	if err != nil {
		log.Fatalf("mssql-bench: open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(*concurrency)

	results := make(chan time.Duration, *iterations)
	errs := make(chan error, *iterations)

	var wg sync.WaitGroup
	work := make(chan struct{}, *iterations)
	for i := 0; i < *iterations; i++ {
		work <- struct{}{}
	}
	close(work)

	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				start := time.Now()
				ctx, cancel := context.WithTimeout(context.Background(), *timeout)
				rows, err := db.QueryContext(ctx, *query)
				if err != nil {
					cancel()
					errs <- err
					continue
				}
				for rows.Next() {
				}
				err = rows.Err()
				rows.Close()
				cancel()
				if err != nil {
					errs <- err
					continue
				}
				results <- time.Since(start)
			}
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	var total time.Duration
	var count int
	var min, max time.Duration
	for d := range results {
		if count == 0 || d < min {
			min = d
		}
		if d > max {
			max = d
		}
		total += d
		count++
	}

	failures := len(errs)
	for err := range errs {
		log.Printf("mssql-bench: query error: %v", err)
	}

	fmt.Printf("iterations=%d ok=%d failed=%d\n", *iterations, count, failures)
	if count > 0 {
		fmt.Printf("avg=%s min=%s max=%s\n", total/time.Duration(count), min, max)
	}
}
