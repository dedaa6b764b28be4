package questions

import (
	"bufio"
	"io"
	"os"
	"strings"
)

const (
	questionPrefix = "Q:"
	answerPrefix   = "A:"
	contextPrefix  = "C:"
)

type parseState int

const (
	seeking parseState = iota
	readingQuestion
	readingAnswer
	readingContext
)

// block is one raw Q/A/C entry extracted from a markdown bank file, before
// identity hashing and validation.
type block struct {
	Question string
	Answer   string
	Context  string
}

// CountQuestions parses a bank file and reports how many blocks it holds.
// Used by bank reconciliation to summarize a sync pass.
func CountQuestions(path string) (int, error) {
	blocks, err := parseFile(path)
	if err != nil {
		return 0, err
	}
	return len(blocks), nil
}

// parseFile reads a bank file from the given path and extracts all blocks.
func parseFile(path string) ([]block, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return parse(file)
}

// parse reads from an io.Reader and extracts all Q/A/C blocks. A new "Q:"
// line or a "---" separator starts a new block; lines without a prefix
// continue the current field.
func parse(r io.Reader) ([]block, error) {
	scanner := bufio.NewScanner(r)
	var blocks []block
	var current block
	var currentLines []string
	state := seeking

	flushField := func() {
		if len(currentLines) == 0 {
			return
		}
		content := strings.Join(currentLines, "\n")
		switch state {
		case readingQuestion:
			current.Question = content
		case readingAnswer:
			current.Answer = content
		case readingContext:
			current.Context = content
		}
		currentLines = nil
	}

	finishBlock := func() {
		flushField()
		if current.Question != "" {
			blocks = append(blocks, current)
		}
		current = block{}
		state = seeking
	}

	startField := func(next parseState, line, prefix string) {
		flushField()
		state = next
		content := strings.TrimPrefix(line, prefix)
		content = strings.TrimPrefix(content, " ")
		currentLines = append(currentLines, content)
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "---":
			finishBlock()
		case strings.HasPrefix(line, questionPrefix):
			if state != seeking { // a new question always starts a new block
				finishBlock()
			}
			startField(readingQuestion, line, questionPrefix)
		case strings.HasPrefix(line, answerPrefix):
			startField(readingAnswer, line, answerPrefix)
		case strings.HasPrefix(line, contextPrefix):
			startField(readingContext, line, contextPrefix)
		default:
			if state != seeking {
				currentLines = append(currentLines, line)
			}
		}
	}

	finishBlock() // finish the very last block in the file

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return blocks, nil
}
