package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"imgscan-server/internal/engine"
	"imgscan-server/internal/metrics"
	"imgscan-server/internal/models"
	"imgscan-server/internal/verdict"
)

var (
	crawlWorkers int
	crawlDepth   string
)

var crawlCmd = &cobra.Command{
	Use:   "crawl DIR",
	Short: "Scan every image under a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runCrawl,
}

func init() {
	crawlCmd.Flags().IntVar(&crawlWorkers, "workers", 0, "number of scan workers (default: $WORKER_COUNT)")
	crawlCmd.Flags().StringVar(&crawlDepth, "depth", "full", "scan depth: light or full")
}

// Crawler walks a directory and scans matching files on a worker pool
type Crawler struct {
	engine     *engine.Engine
	root       string
	depth      string
	workers    int
	extensions map[string]bool
	metrics    *metrics.Metrics

	// Worker pool
	jobs    chan models.FileJob
	results chan models.ProcessResult
	wg      sync.WaitGroup

	// Statistics
	filesScanned int64
	filesFailed  int64
	bytesScanned int64
	startTime    time.Time

	mu          sync.Mutex
	byRiskLevel map[string]int64
	flagged     []models.ProcessResult

	progressInterval time.Duration
}

// NewCrawler creates a crawler over root
func NewCrawler(eng *engine.Engine, root, depth string, workers int, extensions []string) *Crawler {
	if workers < 1 {
		workers = 1
	}
	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		exts[strings.ToLower(ext)] = true
	}

	return &Crawler{
		engine:           eng,
		root:             root,
		depth:            depth,
		workers:          workers,
		extensions:       exts,
		metrics:          metrics.GetMetrics(),
		jobs:             make(chan models.FileJob, workers*2),
		results:          make(chan models.ProcessResult, workers*2),
		byRiskLevel:      make(map[string]int64),
		progressInterval: 10 * time.Second,
	}
}

func runCrawl(cmd *cobra.Command, args []string) error {
	eng, cfg, err := newEngine(cmd.Context())
	if err != nil {
		return err
	}

	workers := cfg.Worker.Count
	if crawlWorkers > 0 {
		workers = crawlWorkers
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	c := NewCrawler(eng, args[0], crawlDepth, workers, cfg.Worker.FileExtensions)
	stats, err := c.Run(ctx)
	if err != nil {
		return err
	}

	c.PrintSummary(cmd.OutOrStdout(), stats)
	if stats.ByRiskLevel[verdict.RiskHigh.String()]+stats.ByRiskLevel[verdict.RiskCritical.String()] > 0 {
		return errThreatsFound
	}
	return nil
}

// Run crawls the tree until every matching file is scanned or ctx is done
func (c *Crawler) Run(ctx context.Context) (models.CrawlStats, error) {
	c.startTime = time.Now()

	info, err := os.Stat(c.root)
	if err != nil {
		return models.CrawlStats{}, fmt.Errorf("crawl root: %w", err)
	}
	if !info.IsDir() {
		return models.CrawlStats{}, fmt.Errorf("crawl root %s is not a directory", c.root)
	}

	log.Info().
		Str("root", c.root).
		Int("workers", c.workers).
		Str("depth", c.depth).
		Msg("Starting crawl")

	// Start result collector
	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	go c.resultCollector(&collectorWg)

	// Start workers
	for w := 0; w < c.workers; w++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}

	// Crawl directory and enqueue jobs
	if err := c.crawl(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Crawl error")
	}

	// Close jobs channel and wait for workers
	close(c.jobs)
	c.wg.Wait()

	// Close results channel and wait for collector
	close(c.results)
	collectorWg.Wait()

	return c.Stats(), nil
}

// crawl walks the directory and enqueues files for scanning
func (c *Crawler) crawl(ctx context.Context) error {
	return filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		// Check for cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Error accessing path")
			return nil // Continue walking
		}

		// Skip directories
		if d.IsDir() {
			return nil
		}

		// Check file extension
		ext := strings.ToLower(filepath.Ext(path))
		if len(c.extensions) > 0 && !c.extensions[ext] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to get file info")
			return nil
		}

		job := models.FileJob{
			FilePath:     path,
			FileSize:     info.Size(),
			LastModified: info.ModTime(),
		}

		select {
		case c.jobs <- job:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
}

// worker scans files from the jobs channel
func (c *Crawler) worker(ctx context.Context) {
	defer c.wg.Done()

	c.metrics.ActiveWorkers.Inc()
	defer c.metrics.ActiveWorkers.Dec()

	for job := range c.jobs {
		if ctx.Err() != nil {
			continue // drain
		}
		c.results <- c.processFile(job)
	}
}

// processFile scans a single file
func (c *Crawler) processFile(job models.FileJob) models.ProcessResult {
	startTime := time.Now()
	result := models.ProcessResult{FilePath: job.FilePath}

	if job.FileSize > c.engine.MaxPayload() {
		result.Error = &engine.RejectError{
			Reason: engine.ErrPayloadTooLarge,
			Detail: fmt.Sprintf("%d bytes exceeds the %d byte limit", job.FileSize, c.engine.MaxPayload()),
		}
		return result
	}

	content, err := os.ReadFile(job.FilePath)
	if err != nil {
		result.Error = err
		return result
	}

	res, err := c.engine.Scan(engine.Request{Data: content, Filename: job.FilePath, Depth: c.depth})
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Error = err
		return result
	}
	result.Result = res
	return result
}

// resultCollector aggregates results and logs progress
func (c *Crawler) resultCollector(wg *sync.WaitGroup) {
	defer wg.Done()

	logTicker := time.NewTicker(c.progressInterval)
	defer logTicker.Stop()

	for {
		select {
		case result, ok := <-c.results:
			if !ok {
				return
			}
			c.record(result)

		case <-logTicker.C:
			log.Info().
				Int64("scanned", atomic.LoadInt64(&c.filesScanned)).
				Int64("failed", atomic.LoadInt64(&c.filesFailed)).
				Int64("bytes", atomic.LoadInt64(&c.bytesScanned)).
				Msg("Crawl progress")
		}
	}
}

func (c *Crawler) record(result models.ProcessResult) {
	if result.Error != nil {
		atomic.AddInt64(&c.filesFailed, 1)
		log.Warn().Err(result.Error).Str("file", result.FilePath).Msg("Failed to scan file")
		return
	}

	res := result.Result
	atomic.AddInt64(&c.filesScanned, 1)
	atomic.AddInt64(&c.bytesScanned, int64(res.FileSize))

	c.mu.Lock()
	c.byRiskLevel[res.RiskLevel.String()]++
	if res.RiskLevel > verdict.RiskClean {
		c.flagged = append(c.flagged, result)
	}
	c.mu.Unlock()

	if res.RiskLevel >= verdict.RiskMedium {
		log.Info().
			Str("file", result.FilePath).
			Str("risk_level", res.RiskLevel.String()).
			Int("findings", len(res.Findings)).
			Dur("duration", result.Duration).
			Msg("Scanned file with findings")
	}
}

// Stats returns the totals so far
func (c *Crawler) Stats() models.CrawlStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	byRisk := make(map[string]int64, len(c.byRiskLevel))
	for k, v := range c.byRiskLevel {
		byRisk[k] = v
	}
	return models.CrawlStats{
		FilesScanned: atomic.LoadInt64(&c.filesScanned),
		FilesFailed:  atomic.LoadInt64(&c.filesFailed),
		BytesScanned: atomic.LoadInt64(&c.bytesScanned),
		Duration:     time.Since(c.startTime),
		ByRiskLevel:  byRisk,
	}
}

// PrintSummary prints flagged files, highest risk first, and the totals
func (c *Crawler) PrintSummary(w io.Writer, stats models.CrawlStats) {
	c.mu.Lock()
	flagged := append([]models.ProcessResult(nil), c.flagged...)
	c.mu.Unlock()

	sort.SliceStable(flagged, func(i, j int) bool {
		if flagged[i].Result.RiskLevel != flagged[j].Result.RiskLevel {
			return flagged[i].Result.RiskLevel > flagged[j].Result.RiskLevel
		}
		return flagged[i].FilePath < flagged[j].FilePath
	})

	for _, r := range flagged {
		riskColor(r.Result.RiskLevel).Fprintf(w, "%-8s", r.Result.RiskLevel)
		colorWhite.Fprintf(w, " %s (%d findings)\n", r.FilePath, len(r.Result.Findings))
	}

	fmt.Fprintln(w, strings.Repeat("─", 60))
	colorCyan.Fprintf(w, "Scanned %d files (%d bytes), %d failed in %s\n",
		stats.FilesScanned, stats.BytesScanned, stats.FilesFailed, stats.Duration.Round(time.Millisecond))

	for level := verdict.RiskCritical; level >= verdict.RiskClean; level-- {
		if n := stats.ByRiskLevel[level.String()]; n > 0 {
			riskColor(level).Fprintf(w, "  %-8s %d\n", level, n)
		}
	}
}
