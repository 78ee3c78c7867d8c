// Package ledger persists review defects independently of review history.
//
// Each review's issues are written to one document keyed by phase and
// iteration, and a separate document holds the running set of blocking
// (CRITICAL) issues. A missing document is a valid empty state.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/joescharf/phasegate/internal/fsutil"
	"github.com/joescharf/phasegate/internal/models"
)

const blockedFileName = "blocked_issues.json"

var iterationRE = regexp.MustCompile(`_iter_(\d+)_issues\.json$`)

// reviewDoc is the on-disk form of one review's issues.
type reviewDoc struct {
	Phase      models.Phase   `json:"phase"`
	Iteration  int            `json:"iteration"`
	ReviewDate time.Time      `json:"review_date"`
	Issues     []models.Issue `json:"issues"`
}

// blockedDoc is the on-disk form of the blocking-issue set.
type blockedDoc struct {
	UpdatedAt time.Time      `json:"updated_at"`
	Count     int            `json:"count"`
	Issues    []models.Issue `json:"issues"`
}

// Ledger stores issue documents under a single directory.
type Ledger struct {
	dir string
	now func() time.Time
}

// New returns a ledger rooted at dir. The directory is created lazily on first write.
func New(dir string) *Ledger {
	return &Ledger{dir: dir, now: func() time.Time { return time.Now().UTC() }}
}

// Dir returns the ledger's directory.
func (l *Ledger) Dir() string { return l.dir }

func reviewFileName(phase models.Phase, iteration int) string {
	return fmt.Sprintf("%s_iter_%d_issues.json", strings.ToLower(string(phase)), iteration)
}

// Record writes the full issue list for (phase, iteration), replacing any
// earlier write for the same key. Re-recording identical issues leaves the
// stored document untouched.
func (l *Ledger) Record(phase models.Phase, iteration int, issues []models.Issue) error {
	var existing reviewDoc
	ok, err := l.read(reviewFileName(phase, iteration), &existing)
	if err != nil {
		return err
	}
	if ok && sameIssues(existing.Issues, issues) {
		return nil
	}

	doc := reviewDoc{
		Phase:      phase,
		Iteration:  iteration,
		ReviewDate: l.now(),
		Issues:     nonNil(issues),
	}
	return l.write(reviewFileName(phase, iteration), doc)
}

// ReviewIssues returns the issues recorded for (phase, iteration).
func (l *Ledger) ReviewIssues(phase models.Phase, iteration int) ([]models.Issue, error) {
	var doc reviewDoc
	ok, err := l.read(reviewFileName(phase, iteration), &doc)
	if err != nil || !ok {
		return []models.Issue{}, err
	}
	return nonNil(doc.Issues), nil
}

// IssuesForPhase concatenates every recorded iteration for phase, in
// iteration order.
func (l *Ledger) IssuesForPhase(phase models.Phase) ([]models.Issue, error) {
	files, err := l.phaseFiles(phase)
	if err != nil {
		return nil, err
	}
	all := []models.Issue{}
	for _, f := range files {
		var doc reviewDoc
		if _, err := l.read(f.name, &doc); err != nil {
			return nil, err
		}
		all = append(all, doc.Issues...)
	}
	return all, nil
}

// LatestForPhase returns the issues of the highest recorded iteration for
// phase. ok is false when nothing has been recorded.
func (l *Ledger) LatestForPhase(phase models.Phase) (issues []models.Issue, iteration int, ok bool, err error) {
	files, err := l.phaseFiles(phase)
	if err != nil || len(files) == 0 {
		return nil, 0, false, err
	}
	last := files[len(files)-1]
	issues, err = l.ReviewIssues(phase, last.iteration)
	if err != nil {
		return nil, 0, false, err
	}
	return issues, last.iteration, true, nil
}

// AddBlocking merges the CRITICAL issues in issues into the blocking set.
// Issues already present by (description, severity) are skipped.
func (l *Ledger) AddBlocking(issues []models.Issue) error {
	current, err := l.BlockingIssues()
	if err != nil {
		return err
	}
	seen := make(map[models.IssueKey]bool, len(current))
	for _, i := range current {
		seen[i.Key()] = true
	}
	for _, i := range issues {
		if !i.IsBlocking() || seen[i.Key()] {
			continue
		}
		current = append(current, i)
		seen[i.Key()] = true
	}
	return l.saveBlocking(current)
}

// BlockingIssues returns the current blocking set.
func (l *Ledger) BlockingIssues() ([]models.Issue, error) {
	var doc blockedDoc
	ok, err := l.read(blockedFileName, &doc)
	if err != nil || !ok {
		return []models.Issue{}, err
	}
	return nonNil(doc.Issues), nil
}

// BlockingCount returns the size of the blocking set.
func (l *Ledger) BlockingCount() (int, error) {
	issues, err := l.BlockingIssues()
	if err != nil {
		return 0, err
	}
	return len(issues), nil
}

// ClearBlocking empties the blocking set.
func (l *Ledger) ClearBlocking() error {
	return l.saveBlocking([]models.Issue{})
}

// Stats summarises the ledger.
type Stats struct {
	TotalBlocking int                                   `json:"total_blocked"`
	ByPhase       map[models.Phase]models.SeverityCounts `json:"by_phase"`
}

// Stats counts blocking issues and per-phase issues by severity.
func (l *Ledger) Stats() (*Stats, error) {
	blocking, err := l.BlockingCount()
	if err != nil {
		return nil, err
	}
	st := &Stats{TotalBlocking: blocking, ByPhase: make(map[models.Phase]models.SeverityCounts, len(models.AllPhases))}
	for _, p := range models.AllPhases {
		issues, err := l.IssuesForPhase(p)
		if err != nil {
			return nil, err
		}
		st.ByPhase[p] = models.CountSeverities(issues)
	}
	return st, nil
}

func (l *Ledger) saveBlocking(issues []models.Issue) error {
	return l.write(blockedFileName, blockedDoc{
		UpdatedAt: l.now(),
		Count:     len(issues),
		Issues:    issues,
	})
}

type phaseFile struct {
	name      string
	iteration int
}

// phaseFiles lists the review documents of phase sorted by iteration.
func (l *Ledger) phaseFiles(phase models.Phase) ([]phaseFile, error) {
	pattern := strings.ToLower(string(phase)) + "_iter_*_issues.json"
	matches, err := doublestar.Glob(os.DirFS(l.dir), pattern)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list issue files: %w", err)
	}

	files := make([]phaseFile, 0, len(matches))
	for _, m := range matches {
		sm := iterationRE.FindStringSubmatch(m)
		if sm == nil {
			continue
		}
		n, err := strconv.Atoi(sm[1])
		if err != nil {
			continue
		}
		files = append(files, phaseFile{name: m, iteration: n})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].iteration < files[j].iteration })
	return files, nil
}

func (l *Ledger) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(l.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// read decodes name into v. It reports false, nil when the file does not exist.
func (l *Ledger) read(name string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func sameIssues(a, b []models.Issue) bool {
	ea, errA := json.Marshal(nonNil(a))
	eb, errB := json.Marshal(nonNil(b))
	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}

func nonNil(issues []models.Issue) []models.Issue {
	if issues == nil {
		return []models.Issue{}
	}
	return issues
}
