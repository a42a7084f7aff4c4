// Command imgscan scans image files from the command line, either as a list
// of paths or by crawling a directory tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"imgscan-server/internal/config"
	"imgscan-server/internal/corpus"
	"imgscan-server/internal/engine"
	"imgscan-server/internal/verdict"
)

var (
	version = "1.0.0"

	// Persistent flags
	rulesPath  string
	hashesPath string
	maxBytes   int64

	colorRed    = color.New(color.FgRed, color.Bold)
	colorGreen  = color.New(color.FgGreen, color.Bold)
	colorYellow = color.New(color.FgYellow)
	colorCyan   = color.New(color.FgCyan)
	colorWhite  = color.New(color.FgWhite)
)

// errThreatsFound makes the process exit with status 2
var errThreatsFound = errors.New("high or critical risk content found")

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errThreatsFound) {
			os.Exit(2)
		}
		colorRed.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "imgscan",
	Short: "Image security scanner",
	Long: `imgscan inspects image files for embedded threats: executable or script
signatures, polyglot containers, suspicious metadata, high-entropy regions and
known-malicious hashes.

Examples:
  # Scan two files at full depth
  imgscan scan --depth full photo.jpg avatar.png

  # Crawl an upload directory with 16 workers
  imgscan crawl --workers 16 /srv/uploads

  # List and validate the rule corpus
  imgscan rules --rules ./rules.yaml`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rulesPath, "rules", "", "rule corpus YAML (default: $RULES_PATH or the embedded corpus)")
	rootCmd.PersistentFlags().StringVar(&hashesPath, "hashes", "", "known-bad hash list (default: $HASH_CORPUS_PATH)")
	rootCmd.PersistentFlags().Int64Var(&maxBytes, "max-bytes", 0, "largest file to scan (default: $MAX_PAYLOAD_BYTES)")

	rootCmd.AddCommand(scanCmd, crawlCmd, rulesCmd)
}

// loadConfig reads the environment and applies flag overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if rulesPath != "" {
		cfg.Corpus.RulesPath = rulesPath
	}
	if hashesPath != "" {
		cfg.Corpus.HashCorpusPath = hashesPath
	}
	if maxBytes > 0 {
		cfg.Scan.MaxPayloadBytes = maxBytes
	}
	return cfg, nil
}

// loadCorpus builds the reference data from local files only
func loadCorpus(ctx context.Context, cfg *config.Config) (*corpus.Corpus, error) {
	c, err := corpus.Load(ctx, corpus.Sources{
		RulesPath:      cfg.Corpus.RulesPath,
		HashCorpusPath: cfg.Corpus.HashCorpusPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}
	return c, nil
}

// newEngine loads configuration and corpus and returns a ready engine
func newEngine(ctx context.Context) (*engine.Engine, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	c, err := loadCorpus(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	eng := engine.New(c.Rules, c.Hashes, engine.Config{MaxPayloadBytes: cfg.Scan.MaxPayloadBytes})
	return eng, cfg, nil
}

// riskColor picks the output color for a risk level
func riskColor(r verdict.RiskLevel) *color.Color {
	switch {
	case r >= verdict.RiskHigh:
		return colorRed
	case r == verdict.RiskMedium:
		return colorYellow
	case r == verdict.RiskLow:
		return colorCyan
	default:
		return colorGreen
	}
}
