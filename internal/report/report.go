// Package report renders ranking results as JSON and plain text files.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/job"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/matching"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/retrieval"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/scoring"
)

const (
	timestampLayout = "20060102_150405"
	// TopStatements is the number of statements shown per requirement in text reports.
	TopStatements = 3
)

// Document is the JSON report.
type Document struct {
	RunID       string               `json:"run_id"`
	GeneratedAt time.Time            `json:"generated_at"`
	Job         *job.Description     `json:"job_description"`
	Matches     []CandidateMatch     `json:"matches"`
	Failures    []FailureEntry       `json:"failures,omitempty"`
	Pending     []retrieval.WorkItem `json:"pending,omitempty"`
	Cancelled   bool                 `json:"cancelled,omitempty"`
}

// CandidateMatch is one ranked candidate with its evidence.
type CandidateMatch struct {
	ID       string `json:"id"`
	Category string `json:"category,omitempty"`
	scoring.CandidateScore
	RequirementMatches RequirementMatches `json:"requirement_matches"`
}

// RequirementMatches splits evidence by requirement kind.
type RequirementMatches struct {
	MustHave   []RequirementMatch `json:"must_have"`
	NiceToHave []RequirementMatch `json:"nice_to_have"`
}

// RequirementMatch is the evidence for one requirement.
type RequirementMatch struct {
	Requirement job.Requirement             `json:"requirement"`
	BestScore   float64                     `json:"best_score"`
	Statements  []retrieval.ScoredStatement `json:"matched_statements"`
}

// FailureEntry is a failed work item in a readable form.
type FailureEntry struct {
	Item      retrieval.WorkItem `json:"item"`
	Attempts  int                `json:"attempts"`
	Permanent bool               `json:"permanent"`
	Error     string             `json:"error"`
}

// Build assembles the report of res. Only ranked candidates are included.
func Build(desc *job.Description, records candidate.Records, res *matching.Result, now time.Time) *Document {
	doc := &Document{
		RunID:       res.RunID,
		GeneratedAt: now,
		Job:         desc,
		Failures:    Failures(res),
		Pending:     res.Pending,
		Cancelled:   res.Cancelled,
	}

	for _, score := range res.Ranked {
		m := CandidateMatch{ID: score.OwnerID, CandidateScore: score}
		if rec := records.FindByID(score.OwnerID); rec != nil {
			m.Category = rec.Category
		}

		byRequirement := make(map[string]retrieval.MatchResult)
		for _, r := range res.Matches[score.OwnerID] {
			byRequirement[r.Requirement.Text] = r
		}
		m.RequirementMatches.MustHave = requirementMatches(desc.MustHave, byRequirement)
		m.RequirementMatches.NiceToHave = requirementMatches(desc.NiceToHave, byRequirement)

		doc.Matches = append(doc.Matches, m)
	}
	return doc
}

func requirementMatches(reqs []job.Requirement, byRequirement map[string]retrieval.MatchResult) []RequirementMatch {
	out := make([]RequirementMatch, 0, len(reqs))
	for _, req := range reqs {
		r, ok := byRequirement[req.Text]
		if !ok {
			continue
		}
		out = append(out, RequirementMatch{Requirement: req, BestScore: r.BestScore, Statements: r.Ranked})
	}
	return out
}

// Failures converts the failed work items of res.
func Failures(res *matching.Result) []FailureEntry {
	entries := make([]FailureEntry, 0, len(res.Failures))
	for _, f := range res.Failures {
		entries = append(entries, FailureEntry{
			Item:      f.Item,
			Attempts:  f.Attempts,
			Permanent: f.Permanent,
			Error:     f.Message(),
		})
	}
	return entries
}

// WriteJSON writes doc as indented JSON.
func WriteJSON(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// WriteText writes the human readable report.
func WriteText(w io.Writer, doc *Document) error {
	var b strings.Builder

	b.WriteString("JOB REQUIREMENTS\n")
	b.WriteString("================\n\n")
	if doc.Job.Title != "" {
		fmt.Fprintf(&b, "%s\n\n", doc.Job.Title)
	}
	b.WriteString("Must-Have Requirements:\n")
	for _, req := range doc.Job.MustHave {
		fmt.Fprintf(&b, "- %s\n", req.Text)
	}
	b.WriteString("\nNice-to-Have Requirements:\n")
	for _, req := range doc.Job.NiceToHave {
		fmt.Fprintf(&b, "- %s\n", req.Text)
	}

	b.WriteString("\n\nMATCHING RESULTS\n")
	b.WriteString("================\n")
	for _, m := range doc.Matches {
		fmt.Fprintf(&b, "\nResume: %s\n", m.ID)
		if m.Category != "" {
			fmt.Fprintf(&b, "Category: %s\n", m.Category)
		}
		fmt.Fprintf(&b, "Overall Match Score: %.2f%%\n", m.Score*100)
		if m.Partial {
			b.WriteString("Warning: some work for this candidate failed, the score may be too low\n")
		}

		writeRequirementMatches(&b, "Must-Have Requirements Matches:", m.RequirementMatches.MustHave)
		writeRequirementMatches(&b, "Nice-to-Have Requirements Matches:", m.RequirementMatches.NiceToHave)
		b.WriteString("\n" + strings.Repeat("=", 50) + "\n")
	}

	if len(doc.Failures) > 0 || len(doc.Pending) > 0 {
		b.WriteString("\nINCOMPLETE WORK\n")
		b.WriteString("===============\n")
		for _, f := range doc.Failures {
			fmt.Fprintf(&b, "- failed: %s: %s\n", f.Item, f.Error)
		}
		for _, item := range doc.Pending {
			fmt.Fprintf(&b, "- pending: %s\n", item)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeRequirementMatches(b *strings.Builder, title string, matches []RequirementMatch) {
	fmt.Fprintf(b, "\n%s\n", title)
	for _, rm := range matches {
		fmt.Fprintf(b, "\nRequirement: %s\n", rm.Requirement.Text)
		for i, s := range rm.Statements {
			if i == TopStatements {
				break
			}
			fmt.Fprintf(b, "* %s (score: %.2f)\n", s.Statement.Text, s.Score)
		}
	}
}

// Saver writes timestamped report files into a directory.
type Saver struct {
	Dir    string
	Logger *zap.Logger
	Now    func() time.Time
}

// Save writes matches_<timestamp>.json and matches_<timestamp>.txt.
func (s *Saver) Save(desc *job.Description, records candidate.Records, res *matching.Result) (jsonPath, txtPath string, err error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ts := now()

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating output dir: %w", err)
	}

	doc := Build(desc, records, res, ts)
	base := filepath.Join(s.Dir, "matches_"+ts.Format(timestampLayout))
	jsonPath, txtPath = base+".json", base+".txt"

	if err := writeFile(jsonPath, func(w io.Writer) error { return WriteJSON(w, doc) }); err != nil {
		return "", "", err
	}
	if err := writeFile(txtPath, func(w io.Writer) error { return WriteText(w, doc) }); err != nil {
		return "", "", err
	}

	if s.Logger != nil {
		s.Logger.Info("results saved", zap.String("json", jsonPath), zap.String("text", txtPath))
	}
	return jsonPath, txtPath, nil
}

// DumpFailures writes the failed and pending work items of res as JSON.
func DumpFailures(path string, res *matching.Result) error {
	dump := struct {
		RunID    string               `json:"run_id"`
		RunKey   string               `json:"run_key"`
		Failures []FailureEntry       `json:"failures"`
		Pending  []retrieval.WorkItem `json:"pending"`
	}{
		RunID:    res.RunID,
		RunKey:   res.RunKey,
		Failures: Failures(res),
		Pending:  res.Pending,
	}

	return writeFile(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(dump)
	})
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
