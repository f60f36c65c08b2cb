// Benchmark tool for testing Magpie against a labeled comment dataset.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/comments.csv -url http://localhost:8080 -post post-001
//
// This tool:
//   1. Reads labeled comment data (text plus a should-match label)
//   2. Sends each comment to Magpie's synchronous /match endpoint
//   3. Compares Magpie's verdict (matched / unmatched) with the labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// The CSV needs a header with at least "text" and "shouldmatch" columns;
// shouldmatch is 1 for comments a configured rule ought to catch.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledComment represents a row from the benchmark dataset
type LabeledComment struct {
	Text        string
	ShouldMatch bool
}

// MatchRequest is the Magpie API request format
type MatchRequest struct {
	PostID string `json:"postId"`
	Text   string `json:"text"`
}

// MatchResponse is the subset of the Magpie API response the benchmark
// cares about
type MatchResponse struct {
	Success bool `json:"success"`
	Matches []struct {
		RuleID      string  `json:"ruleId"`
		MatchedTerm string  `json:"matchedTerm"`
		Confidence  float64 `json:"confidence"`
	} `json:"matches"`
	CacheHit  bool  `json:"cacheHit"`
	ProcessMs int64 `json:"processMs"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Should match, matched
	FalsePositives int64 // Should not match, matched
	TrueNegatives  int64 // Should not match, unmatched
	FalseNegatives int64 // Should match, unmatched (missed!)

	TotalProcessed int64
	TotalPositive  int64
	TotalNegative  int64
	TotalErrors    int64
	CacheHits      int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled comments CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Magpie base URL")
	accountID := flag.String("account", "benchmark-test", "Account ID for requests")
	postID := flag.String("post", "benchmark-post", "Post ID whose rules are matched against")
	limit := flag.Int("limit", 10000, "Maximum comments to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each comment result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/comments.csv [-url http://localhost:8080] [-post post-001]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          MAGPIE BENCHMARK - Keyword Match Accuracy            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Magpie URL:  %s\n", *baseURL)
	fmt.Printf("Account ID:  %s\n", *accountID)
	fmt.Printf("Post ID:     %s\n", *postID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	// Check Magpie is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Magpie not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Magpie is running:")
		fmt.Println("  cd magpie && go run cmd/magpie/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Magpie is healthy")

	// Read dataset
	fmt.Printf("\nReading labeled comments from %s...\n", *csvPath)
	comments, err := readCommentsCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d comments\n", len(comments))

	positive := 0
	for _, c := range comments {
		if c.ShouldMatch {
			positive++
		}
	}
	fmt.Printf("  - Should match:     %d (%.2f%%)\n", positive, 100*float64(positive)/float64(len(comments)))
	fmt.Printf("  - Should not match: %d (%.2f%%)\n", len(comments)-positive, 100*float64(len(comments)-positive)/float64(len(comments)))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(comments, *baseURL, *accountID, *postID, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readCommentsCSV(path string, limit int) ([]LabeledComment, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ReplaceAll(strings.ToLower(col), "_", "")] = i
	}
	textCol, ok := colIndex["text"]
	if !ok {
		return nil, fmt.Errorf("missing text column")
	}
	labelCol, ok := colIndex["shouldmatch"]
	if !ok {
		return nil, fmt.Errorf("missing shouldmatch column")
	}

	var comments []LabeledComment
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		comments = append(comments, LabeledComment{
			Text:        record[textCol],
			ShouldMatch: record[labelCol] == "1" || strings.EqualFold(record[labelCol], "true"),
		})

		if limit > 0 && len(comments) >= limit {
			break
		}
	}

	return comments, nil
}

func runBenchmark(comments []LabeledComment, baseURL, accountID, postID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabeledComment, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for c := range work {
				start := time.Now()
				result, err := matchComment(client, baseURL, accountID, postID, c.Text)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %.30q -> %v\n", c.Text, err)
					}
					continue
				}

				if c.ShouldMatch {
					atomic.AddInt64(&metrics.TotalPositive, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNegative, 1)
				}
				if result.CacheHit {
					atomic.AddInt64(&metrics.CacheHits, 1)
				}

				predicted := len(result.Matches) > 0
				actual := c.ShouldMatch

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					text := c.Text
					if len(text) > 40 {
						text = text[:40]
					}
					term := ""
					if predicted {
						term = result.Matches[0].MatchedTerm
					}
					fmt.Printf("%s %-40s | Expect: %-5v | Matched: %-5v %-15s | %dms\n",
						status, text, actual, predicted, term, result.ProcessMs)
				}
			}
		}()
	}

	for _, c := range comments {
		work <- c
	}
	close(work)

	wg.Wait()

	return metrics
}

func matchComment(client *http.Client, baseURL, accountID, postID, text string) (*MatchResponse, error) {
	body, err := json.Marshal(MatchRequest{PostID: postID, Text: text})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/match", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Account-ID", accountID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result MatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:   %d\n", m.TotalProcessed)
	fmt.Printf("   Should Match:      %d\n", m.TotalPositive)
	fmt.Printf("   Should Not Match:  %d\n", m.TotalNegative)
	fmt.Printf("   Errors:            %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  Matched     Unmatched")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  M  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NM  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 MATCH METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of matches, how many were wanted)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of wanted matches, how many we caught)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		hitRate := 100 * float64(m.CacheHits) / float64(m.TotalProcessed)
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f msg/sec\n", tps)
		fmt.Printf("   Cache Hit Rate:   %.2f%%\n", hitRate)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching nearly every wanted comment")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but some wanted comments are slipping by")
	} else {
		fmt.Println("   ❌ Poor recall - consider synonyms or fuzzy matching")
	}

	if precision >= 0.9 {
		fmt.Println("   ✅ Good precision - replies go where they should")
	} else if precision >= 0.5 {
		fmt.Println("   ⚠️  Low precision - consider word-boundary matching")
	} else {
		fmt.Println("   ❌ Very low precision - rules are matching too broadly")
	}

	fmt.Println()
}
