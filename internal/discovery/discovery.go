// Package discovery defines the collaborator contracts for finding and
// analyzing leads. Real providers live behind these interfaces; the stub
// implementations back tests and dry runs.
package discovery

import (
	"context"
	"fmt"
	"strings"

	"leadline/internal/engine"
)

// Provider searches a source for business candidates matching a query in a
// location. Implementations must be safe to cancel via ctx.
type Provider interface {
	Search(ctx context.Context, query, location string, maxResults int) ([]engine.Candidate, error)
}

// Analyzer inspects one candidate's web presence and extracts contact data
// plus a qualification tag.
type Analyzer interface {
	Analyze(ctx context.Context, businessName, websiteURL string) (engine.Analysis, error)
}

// StubProvider returns a fixed candidate list, optionally failing. Used by
// tests and the dry-run command.
type StubProvider struct {
	Candidates []engine.Candidate
	Err        error
}

func (p StubProvider) Search(ctx context.Context, query, location string, maxResults int) ([]engine.Candidate, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := p.Candidates
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// SyntheticProvider fabricates candidates for a query. It keeps dry runs
// useful without any network access.
type SyntheticProvider struct {
	Count int
}

func (p SyntheticProvider) Search(ctx context.Context, query, location string, maxResults int) ([]engine.Candidate, error) {
	n := p.Count
	if maxResults > 0 && n > maxResults {
		n = maxResults
	}
	out := make([]engine.Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, engine.Candidate{
			BusinessName: fmt.Sprintf("%s #%d", query, i+1),
			Category:     query,
			Location:     location,
			SourceURL:    fmt.Sprintf("https://directory.example/%s/%d", strings.ReplaceAll(query, " ", "-"), i+1),
			Confidence:   "medium",
		})
	}
	return out, nil
}

// StubAnalyzer returns canned analyses keyed by business name. Names with no
// entry get the fallback; a nil fallback means the analysis errors.
type StubAnalyzer struct {
	ByName   map[string]engine.Analysis
	Fallback *engine.Analysis
}

func (a StubAnalyzer) Analyze(ctx context.Context, businessName, websiteURL string) (engine.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return engine.Analysis{}, err
	}
	if r, ok := a.ByName[businessName]; ok {
		return r, nil
	}
	if a.Fallback != nil {
		return *a.Fallback, nil
	}
	return engine.Analysis{}, fmt.Errorf("no analysis available for %q", businessName)
}
