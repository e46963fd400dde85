// Package report summarizes a run directory's results.json per variant.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/terca/internal/pricing"
	"github.com/signalnine/terca/internal/result"
)

type VariantSummary struct {
	Variant      string  `json:"variant"`
	Agent        string  `json:"agent,omitempty"`
	Runs         int     `json:"runs"`
	Passed       int     `json:"passed"`
	Failed       int     `json:"failed"`
	Errored      int     `json:"errored"`
	TimedOut     int     `json:"timedOut"`
	PassRate     float64 `json:"passRate"`
	MeanScore    float64 `json:"meanScore"`
	MeanDuration float64 `json:"meanDurationSeconds"`
	MeanTokens   float64 `json:"meanTokens"`
	MeanCostUSD  float64 `json:"meanCostUsd,omitempty"`
}

// Failure describes one run that did not pass.
type Failure struct {
	ID      int      `json:"id"`
	Test    string   `json:"test"`
	Variant string   `json:"variant"`
	Checks  []string `json:"failedChecks,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type Report struct {
	Variants []VariantSummary `json:"variants"`
	Failures []Failure        `json:"failures"`
}

// Generate reads the results of runDir and writes a summary in format
// (table, markdown or json). prices may be nil.
func Generate(runDir, format string, w io.Writer, prices *pricing.Table) error {
	res, err := result.ReadResults(runDir)
	if err != nil {
		return err
	}
	rep := Build(res.Runs, prices)

	switch format {
	case "markdown":
		return writeMarkdown(rep, w, prices != nil)
	case "json":
		return writeJSON(rep, w)
	case "table", "":
		return writeTable(rep, w, prices != nil)
	}
	return fmt.Errorf("unknown report format %q", format)
}

// Build aggregates records per variant, ordered by variant id.
func Build(records []result.Record, prices *pricing.Table) *Report {
	type accum struct {
		agent                            string
		count, passed, errored, timedOut int
		score, duration, tokens, cost    float64
		scored, withStats, priced        int
	}
	byVariant := map[string]*accum{}
	rep := &Report{Failures: []Failure{}}

	sorted := append([]result.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, r := range sorted {
		id := r.Environment + "." + r.Experiment
		a, ok := byVariant[id]
		if !ok {
			a = &accum{agent: r.Variant.Agent}
			byVariant[id] = a
		}
		a.count++

		if r.Error != nil {
			a.errored++
			rep.Failures = append(rep.Failures, Failure{ID: r.ID, Test: r.Test, Variant: id, Error: r.Error.Message})
			continue
		}
		if r.Passed() {
			a.passed++
		} else {
			rep.Failures = append(rep.Failures, Failure{ID: r.ID, Test: r.Test, Variant: id, Checks: result.FailedChecks(r.Results)})
		}
		if len(r.Results) > 0 {
			var sum float64
			for _, cr := range r.Results {
				sum += cr.Score
			}
			a.score += sum / float64(len(r.Results))
			a.scored++
		}
		if r.Stats != nil {
			a.withStats++
			a.duration += r.Stats.DurationSeconds
			a.tokens += float64(r.Stats.InputTokens + r.Stats.OutputTokens)
			if r.Stats.TimedOut {
				a.timedOut++
			}
			if c, ok := prices.Cost(r.Variant.Agent, r.Stats); ok {
				a.cost += c
				a.priced++
			}
		}
	}

	for id, a := range byVariant {
		s := VariantSummary{
			Variant:  id,
			Agent:    a.agent,
			Runs:     a.count,
			Passed:   a.passed,
			Failed:   a.count - a.passed - a.errored,
			Errored:  a.errored,
			TimedOut: a.timedOut,
			PassRate: float64(a.passed) / float64(a.count),
		}
		s.MeanScore = mean(a.score, a.scored)
		s.MeanDuration = mean(a.duration, a.withStats)
		s.MeanTokens = mean(a.tokens, a.withStats)
		s.MeanCostUSD = mean(a.cost, a.priced)
		rep.Variants = append(rep.Variants, s)
	}
	sort.Slice(rep.Variants, func(i, j int) bool {
		return rep.Variants[i].Variant < rep.Variants[j].Variant
	})
	return rep
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (f Failure) reason() string {
	if f.Error != "" {
		return "error: " + firstLine(f.Error)
	}
	return "failed: " + strings.Join(f.Checks, ", ")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func writeTable(rep *Report, w io.Writer, withCost bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := "VARIANT\tRUNS\tPASSED\tFAILED\tERRORS\tTIMEOUTS\tPASS RATE\tMEAN SCORE\tMEAN TIME\tMEAN TOKENS"
	if withCost {
		header += "\tMEAN COST"
	}
	fmt.Fprintln(tw, header)
	for _, s := range rep.Variants {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%.0f%%\t%.3f\t%.1fs\t%.0f",
			s.Variant, s.Runs, s.Passed, s.Failed, s.Errored, s.TimedOut, s.PassRate*100, s.MeanScore, s.MeanDuration, s.MeanTokens)
		if withCost {
			fmt.Fprintf(tw, "\t$%.2f", s.MeanCostUSD)
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(rep.Failures) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nFailures:")
	for _, f := range rep.Failures {
		fmt.Fprintf(w, "  #%d %s (%s): %s\n", f.ID, f.Test, f.Variant, f.reason())
	}
	return nil
}

func writeMarkdown(rep *Report, w io.Writer, withCost bool) error {
	header := "| Variant | Runs | Passed | Failed | Errors | Timeouts | Pass Rate | Mean Score | Mean Time | Mean Tokens |"
	sep := "|---|---|---|---|---|---|---|---|---|---|"
	if withCost {
		header += " Mean Cost |"
		sep += "---|"
	}
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, sep)
	for _, s := range rep.Variants {
		fmt.Fprintf(w, "| %s | %d | %d | %d | %d | %d | %.0f%% | %.3f | %.1fs | %.0f |",
			s.Variant, s.Runs, s.Passed, s.Failed, s.Errored, s.TimedOut, s.PassRate*100, s.MeanScore, s.MeanDuration, s.MeanTokens)
		if withCost {
			fmt.Fprintf(w, " $%.2f |", s.MeanCostUSD)
		}
		fmt.Fprintln(w)
	}
	if len(rep.Failures) > 0 {
		fmt.Fprint(w, "\n## Failures\n\n")
		for _, f := range rep.Failures {
			fmt.Fprintf(w, "- #%d `%s` (%s): %s\n", f.ID, f.Test, f.Variant, f.reason())
		}
	}
	return nil
}

func writeJSON(rep *Report, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
