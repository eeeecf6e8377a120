package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"drover/pkg/langprofile"
	"drover/pkg/protocol"
)

// DefaultMutationScore is the minimum mutation score the mutation gate
// accepts.
const DefaultMutationScore = 0.80

// TDDGate verifies that the change's new tests fail on the pre-change tree
// and pass on the post-change tree, in that order. A test that passes before
// the change proves nothing about it.
type TDDGate struct {
	Runner CommandRunner
}

func (g *TDDGate) Name() string     { return "tdd" }
func (g *TDDGate) Category() string { return "test" }

func (g *TDDGate) Run(ctx context.Context, art Artifacts) protocol.GateResult {
	if art.BaseDir != "" && art.TestPattern != "" {
		filter := langprofile.ForDir(art.BaseDir).FilterArgs(art.TestPattern)
		out, err := g.Runner.Run(ctx, art.BaseDir, filter[0], filter[1:]...)
		if toolMissing(err) {
			return skippedResult(g.Name(), g.Category(), filter[0])
		}
		if err == nil {
			return protocol.GateResult{
				Name:     g.Name(),
				Category: g.Category(),
				Passed:   false,
				Reason:   "new tests pass on the pre-change tree",
				Details:  map[string]any{"output": string(out)},
			}
		}
	}

	testCmd := langprofile.ForDir(art.RepoDir).Test
	out, err := g.Runner.Run(ctx, art.RepoDir, testCmd[0], testCmd[1:]...)
	if toolMissing(err) {
		return skippedResult(g.Name(), g.Category(), testCmd[0])
	}
	if err != nil {
		return protocol.GateResult{
			Name:     g.Name(),
			Category: g.Category(),
			Passed:   false,
			Reason:   "tests fail on the post-change tree",
			Details:  map[string]any{"output": string(out)},
		}
	}
	return protocol.GateResult{Name: g.Name(), Category: g.Category(), Passed: true}
}

// mutationScoreRe matches go-mutesting's summary line.
var mutationScoreRe = regexp.MustCompile(`The mutation score is (\d+(?:\.\d+)?)`)

// MutationGate runs go-mutesting and requires the reported score to reach
// MinScore.
type MutationGate struct {
	Runner   CommandRunner
	MinScore float64
}

func (g *MutationGate) Name() string     { return "mutation" }
func (g *MutationGate) Category() string { return "mutation" }

func (g *MutationGate) Run(ctx context.Context, art Artifacts) protocol.GateResult {
	out, err := g.Runner.Run(ctx, art.RepoDir, "go-mutesting", "./...")
	if toolMissing(err) {
		return skippedResult(g.Name(), g.Category(), "go-mutesting")
	}
	// go-mutesting exits non-zero when mutants survive; the score line is
	// still printed, so parse output regardless of the exit status.
	m := mutationScoreRe.FindSubmatch(out)
	if m == nil {
		return protocol.GateResult{
			Name:     g.Name(),
			Category: g.Category(),
			Passed:   false,
			Reason:   "no mutation score in go-mutesting output",
			Details:  map[string]any{"output": string(out)},
		}
	}
	score, perr := strconv.ParseFloat(string(m[1]), 64)
	if perr != nil {
		return protocol.GateResult{
			Name:     g.Name(),
			Category: g.Category(),
			Passed:   false,
			Reason:   "unparseable mutation score " + string(m[1]),
		}
	}
	res := protocol.GateResult{
		Name:     g.Name(),
		Category: g.Category(),
		Passed:   score >= g.MinScore,
		Details:  map[string]any{"score": score, "min_score": g.MinScore},
	}
	if !res.Passed {
		res.Reason = fmt.Sprintf("mutation score %.2f below %.2f", score, g.MinScore)
	}
	return res
}

// criticalLinters are the tiers whose findings fail the lint gate. Findings
// from other linters are recorded but do not fail.
var criticalLinters = map[string]bool{
	"govet":       true,
	"staticcheck": true,
	"errcheck":    true,
	"gosec":       true,
}

type lintIssue struct {
	FromLinter string `json:"FromLinter"`
	Text       string `json:"Text"`
	Severity   string `json:"Severity"`
}

type lintReport struct {
	Issues []lintIssue `json:"Issues"`
}

// LintGate runs golangci-lint and fails on any critical-tier finding.
type LintGate struct {
	Runner CommandRunner
}

func (g *LintGate) Name() string     { return "lint" }
func (g *LintGate) Category() string { return "lint" }

func (g *LintGate) Run(ctx context.Context, art Artifacts) protocol.GateResult {
	out, err := g.Runner.Run(ctx, art.RepoDir, "golangci-lint", "run", "--out-format", "json", "./...")
	if toolMissing(err) {
		return skippedResult(g.Name(), g.Category(), "golangci-lint")
	}
	// Non-zero exit with a JSON report means findings, not a broken run.
	var report lintReport
	if jerr := json.Unmarshal(out, &report); jerr != nil {
		if err != nil {
			return protocol.GateResult{
				Name:     g.Name(),
				Category: g.Category(),
				Passed:   false,
				Reason:   "golangci-lint failed: " + err.Error(),
				Details:  map[string]any{"output": string(out)},
			}
		}
		report.Issues = nil
	}

	var critical, warnings []string
	for _, is := range report.Issues {
		msg := is.FromLinter + ": " + is.Text
		if criticalLinters[is.FromLinter] || is.Severity == "error" {
			critical = append(critical, msg)
		} else {
			warnings = append(warnings, msg)
		}
	}
	res := protocol.GateResult{
		Name:     g.Name(),
		Category: g.Category(),
		Passed:   len(critical) == 0,
		Details:  map[string]any{"critical": critical, "warnings": warnings},
	}
	if !res.Passed {
		res.Reason = fmt.Sprintf("%d critical lint finding(s): %s", len(critical), critical[0])
	}
	return res
}

// SecurityGate runs govulncheck over the post-change tree and fails on any
// reported finding.
type SecurityGate struct {
	Runner CommandRunner
}

func (g *SecurityGate) Name() string     { return "security" }
func (g *SecurityGate) Category() string { return "security" }

func (g *SecurityGate) Run(ctx context.Context, art Artifacts) protocol.GateResult {
	out, err := g.Runner.Run(ctx, art.RepoDir, "govulncheck", "./...")
	if toolMissing(err) {
		return skippedResult(g.Name(), g.Category(), "govulncheck")
	}
	if err != nil {
		return protocol.GateResult{
			Name:     g.Name(),
			Category: g.Category(),
			Passed:   false,
			Reason:   "vulnerabilities reported",
			Details:  map[string]any{"output": string(out)},
		}
	}
	return protocol.GateResult{Name: g.Name(), Category: g.Category(), Passed: true}
}

// BuildGate requires the post-change tree to compile.
type BuildGate struct {
	Runner CommandRunner
}

func (g *BuildGate) Name() string     { return "build" }
func (g *BuildGate) Category() string { return "build" }

func (g *BuildGate) Run(ctx context.Context, art Artifacts) protocol.GateResult {
	buildCmd := langprofile.ForDir(art.RepoDir).Build
	out, err := g.Runner.Run(ctx, art.RepoDir, buildCmd[0], buildCmd[1:]...)
	if toolMissing(err) {
		return skippedResult(g.Name(), g.Category(), buildCmd[0])
	}
	if err != nil {
		return protocol.GateResult{
			Name:     g.Name(),
			Category: g.Category(),
			Passed:   false,
			Reason:   "build failed",
			Details:  map[string]any{"output": string(out)},
		}
	}
	return protocol.GateResult{Name: g.Name(), Category: g.Category(), Passed: true}
}
