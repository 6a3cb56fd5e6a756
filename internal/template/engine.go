// Package template implements the two-phase content renderer.
//
// Phase 1 substitutes {{ variable }} placeholders; unknown variables pass
// through untouched. Phase 2 resolves {{ RANDOM | a | b | ... }} blocks,
// each occurrence independently, to one uniformly-chosen alternative.
// The literal syntax is a wire contract consumed by template authors and
// must not change.
package template

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	variablePattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)
	randomPattern   = regexp.MustCompile(`\{\{\s*RANDOM\s*\|(.*?)\}\}`)
)

// ValidationError describes a malformed RANDOM block. It is returned before
// a template is persisted; dispatch never sees invalid templates.
type ValidationError struct {
	Block string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("random block %q must have at least two options", e.Block)
}

// Engine renders template text. Rendering is nondeterministic on purpose
// (separate sends should not look identical); NewSeeded exists so tests can
// pin the choices.
type Engine struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func New() *Engine {
	return NewSeeded(time.Now().UnixNano())
}

func NewSeeded(seed int64) *Engine {
	return &Engine{rnd: rand.New(rand.NewSource(seed))}
}

// Render substitutes variables, then commits one random choice per RANDOM
// block. Separate blocks do not correlate.
func (e *Engine) Render(text string, variables map[string]string) string {
	out := substituteVariables(text, variables)

	return randomPattern.ReplaceAllStringFunc(out, func(block string) string {
		options := splitOptions(block)
		if len(options) == 0 {
			return block
		}
		e.mu.Lock()
		i := e.rnd.Intn(len(options))
		e.mu.Unlock()
		return options[i]
	})
}

// Preview substitutes variables and annotates each RANDOM block with its
// first alternative and the option count, without committing a choice.
func (e *Engine) Preview(text string, variables map[string]string) string {
	out := substituteVariables(text, variables)

	return randomPattern.ReplaceAllStringFunc(out, func(block string) string {
		options := splitOptions(block)
		if len(options) == 0 {
			return block
		}
		return fmt.Sprintf("%s (%d options)", options[0], len(options))
	})
}

// Variations returns count independent renders so an operator can inspect
// the space of possible outputs. The results are not guaranteed distinct.
func (e *Engine) Variations(text string, variables map[string]string, count int) []string {
	variations := make([]string, 0, count)
	for i := 0; i < count; i++ {
		variations = append(variations, e.Render(text, variables))
	}
	return variations
}

// Validate rejects any RANDOM block with fewer than two alternatives.
// Text without RANDOM blocks is always valid.
func Validate(text string) error {
	for _, block := range randomPattern.FindAllString(text, -1) {
		if len(splitOptions(block)) < 2 {
			return &ValidationError{Block: block}
		}
	}
	return nil
}

func substituteVariables(text string, variables map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(text, func(placeholder string) string {
		key := variablePattern.FindStringSubmatch(placeholder)[1]
		if value, ok := variables[key]; ok {
			return value
		}
		return placeholder
	})
}

func splitOptions(block string) []string {
	m := randomPattern.FindStringSubmatch(block)
	if m == nil {
		return nil
	}
	parts := strings.Split(m[1], "|")
	options := make([]string, len(parts))
	for i, p := range parts {
		options[i] = strings.TrimSpace(p)
	}
	return options
}
