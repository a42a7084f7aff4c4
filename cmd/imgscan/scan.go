package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"imgscan-server/internal/engine"
	"imgscan-server/internal/verdict"
)

var (
	scanDepth  string
	jsonOutput bool
)

var scanCmd = &cobra.Command{
	Use:   "scan FILE...",
	Short: "Scan one or more image files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanDepth, "depth", "light", "scan depth: light or full")
	scanCmd.Flags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

// fileOutcome is the result of scanning one path
type fileOutcome struct {
	Path   string         `json:"path"`
	Result *engine.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	eng, _, err := newEngine(cmd.Context())
	if err != nil {
		return err
	}

	outcomes := scanFiles(cmd.Context(), eng, args, scanDepth)

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcomes); err != nil {
			return err
		}
	} else {
		for _, o := range outcomes {
			printOutcome(cmd.OutOrStdout(), o)
		}
	}

	for _, o := range outcomes {
		if o.Result != nil && o.Result.RiskLevel >= verdict.RiskHigh {
			return errThreatsFound
		}
	}
	return nil
}

// scanFiles scans paths concurrently and returns outcomes in argument order.
// A file that cannot be read or is rejected yields an outcome with Error set.
func scanFiles(ctx context.Context, eng *engine.Engine, paths []string, depth string) []fileOutcome {
	outcomes := make([]fileOutcome, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			outcomes[i] = scanPath(eng, path, depth)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func scanPath(eng *engine.Engine, path, depth string) fileOutcome {
	out := fileOutcome{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	// Avoid reading files the engine will refuse anyway
	if info.Size() > eng.MaxPayload() {
		out.Error = fmt.Sprintf("%v: %d bytes exceeds the %d byte limit", engine.ErrPayloadTooLarge, info.Size(), eng.MaxPayload())
		return out
	}

	data, err := os.ReadFile(path)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	res, err := eng.Scan(engine.Request{Data: data, Filename: path, Depth: depth})
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Result = res
	return out
}

func printOutcome(w io.Writer, o fileOutcome) {
	if o.Error != "" {
		colorRed.Fprintf(w, "✗ %s: %s\n", o.Path, o.Error)
		return
	}

	res := o.Result
	riskColor(res.RiskLevel).Fprintf(w, "%-8s", res.RiskLevel)
	colorWhite.Fprintf(w, " %s (%s, %d bytes, %.1fms)\n", o.Path, res.Format.DetectedFormat, res.FileSize, res.DurationMS)

	for _, f := range res.Findings {
		line := fmt.Sprintf("    [%s] %s", f.Severity, f.Category)
		if f.RuleName != "" {
			line += " " + f.RuleName
		}
		if f.Detail != "" {
			line += ": " + f.Detail
		}
		riskColor(severityLevel(f.Severity)).Fprintln(w, line)
	}
}

// severityLevel maps a single finding's severity onto the risk scale
func severityLevel(s verdict.Severity) verdict.RiskLevel {
	return verdict.Aggregate([]verdict.Finding{{Severity: s}})
}
