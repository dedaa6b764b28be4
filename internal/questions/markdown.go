package questions

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/conorfennell/studyloop/internal/domain"
)

const defaultDifficulty = 3

// MarkdownBank serves questions from Q:/A:/C: blocks in markdown files.
// Each bank reference maps to a subdirectory of the bank root; every .md
// file inside contributes blocks in file order.
type MarkdownBank struct {
	root     string
	validate *validator.Validate
}

// NewMarkdownBank creates a bank rooted at dir.
func NewMarkdownBank(dir string) *MarkdownBank {
	return &MarkdownBank{
		root:     dir,
		validate: validator.New(),
	}
}

var _ Source = (*MarkdownBank)(nil)

// bankPath locates the directory for a bank reference. Locally authored
// banks live directly under the root; banks pulled from git repositories
// are nested under host/org/repo, so an absent direct path falls back to
// the first directory matching the slug anywhere below the root.
func (b *MarkdownBank) bankPath(bankRef string) string {
	direct := filepath.Join(b.root, slug(bankRef))
	if _, err := os.Stat(direct); err == nil {
		return direct
	}

	want := slug(bankRef)
	found := ""
	_ = filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path != b.root && d.IsDir() && d.Name() == want {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if found != "" {
		return found
	}
	return direct
}

// Questions returns the ordered questions of a bank. Malformed blocks are
// dropped at this boundary rather than propagated into the session engine.
func (b *MarkdownBank) Questions(ctx context.Context, bankRef string) ([]domain.Question, error) {
	dir := b.bankPath(bankRef)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %q", ErrBankNotFound, bankRef)
	}

	var qs []domain.Question
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		blocks, parseErr := parseFile(path)
		if parseErr != nil {
			return parseErr
		}
		for _, blk := range blocks {
			q := blockToQuestion(blk)
			if err := b.validate.Struct(q); err != nil {
				slog.Warn("Dropping malformed question", "bank", bankRef, "file", path, "error", err)
				continue
			}
			qs = append(qs, q)
		}
		return nil
	})
	if err != nil {
		return nil, &SourceError{BankRef: bankRef, Transient: true, Err: err}
	}
	return qs, nil
}

// CreateQuestions validates the specs and appends them to the bank's
// questions.md, creating the bank directory if needed.
func (b *MarkdownBank) CreateQuestions(ctx context.Context, bankRef string, specs []domain.QuestionSpec) ([]domain.Question, error) {
	for i, spec := range specs {
		if spec.Type == "" {
			specs[i].Type = domain.QuestionFreeform
		}
		if spec.Difficulty == 0 {
			specs[i].Difficulty = defaultDifficulty
		}
		if err := b.validate.Struct(specs[i]); err != nil {
			return nil, fmt.Errorf("questions: invalid spec %d: %w", i, err)
		}
	}

	dir := b.bankPath(bankRef)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &SourceError{BankRef: bankRef, Transient: true, Err: err}
	}

	f, err := os.OpenFile(filepath.Join(dir, "questions.md"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &SourceError{BankRef: bankRef, Transient: true, Err: err}
	}
	defer f.Close()

	created := make([]domain.Question, 0, len(specs))
	for _, spec := range specs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		blk := block{Question: spec.Text, Answer: spec.Answer, Context: spec.Context}
		if _, err := fmt.Fprintf(f, "%s\n---\n", renderBlock(blk)); err != nil {
			return nil, &SourceError{BankRef: bankRef, Transient: true, Err: err}
		}
		q := blockToQuestion(blk)
		q.Type = spec.Type
		q.Difficulty = spec.Difficulty
		created = append(created, q)
	}
	return created, nil
}

// DeleteQuestion removes the question with the given id from the bank.
// Deleting an unknown id is a no-op.
func (b *MarkdownBank) DeleteQuestion(ctx context.Context, bankRef, questionID string) error {
	dir := b.bankPath(bankRef)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %q", ErrBankNotFound, bankRef)
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		blocks, parseErr := parseFile(path)
		if parseErr != nil {
			return parseErr
		}
		kept := blocks[:0]
		removed := false
		for _, blk := range blocks {
			if hashBlock(blk) == questionID {
				removed = true
				continue
			}
			kept = append(kept, blk)
		}
		if !removed {
			return nil
		}
		var sb strings.Builder
		for _, blk := range kept {
			sb.WriteString(renderBlock(blk))
			sb.WriteString("\n---\n")
		}
		return os.WriteFile(path, []byte(sb.String()), 0o644)
	})
	if err != nil {
		return &SourceError{BankRef: bankRef, Transient: true, Err: err}
	}
	return nil
}

func blockToQuestion(blk block) domain.Question {
	return domain.Question{
		ID:         hashBlock(blk),
		Text:       blk.Question,
		Answer:     blk.Answer,
		Context:    blk.Context,
		Type:       domain.QuestionFreeform,
		Difficulty: defaultDifficulty,
	}
}

func renderBlock(blk block) string {
	var sb strings.Builder
	sb.WriteString(questionPrefix + " " + blk.Question + "\n")
	sb.WriteString(answerPrefix + " " + blk.Answer)
	if blk.Context != "" {
		sb.WriteString("\n" + contextPrefix + " " + blk.Context)
	}
	return sb.String()
}
