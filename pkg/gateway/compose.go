package gateway

import (
	"strings"
)

const (
	instructionSeparator = "\n\n"

	// exclusionClausePrefix introduces the single trailing list of negative constraints
	exclusionClausePrefix = "IMPORTANT - NEGATIVE CONSTRAINTS (DO NOT INCLUDE THESE ELEMENTS): "
)

// Compose merges a base fragment and up to two option fragments into one
// instruction string.
//
// Instructions are joined with a blank line in base, opt1, opt2 order. Every
// non-blank negative prompt, in the same order, is folded into exactly one
// exclusion clause appended at the end. A nil option is skipped.
func Compose(base, opt1, opt2 *Fragment) string {
	var b strings.Builder
	if base != nil {
		b.WriteString(base.Instruction)
	}

	for _, opt := range []*Fragment{opt1, opt2} {
		if opt == nil || opt.Instruction == "" {
			continue
		}
		b.WriteString(instructionSeparator)
		b.WriteString(opt.Instruction)
	}

	negatives := NegativeConstraints(base, opt1, opt2)
	if len(negatives) > 0 {
		b.WriteString(instructionSeparator)
		b.WriteString(exclusionClausePrefix)
		b.WriteString(strings.Join(negatives, ", "))
	}

	return b.String()
}

// NegativeConstraints returns the trimmed, non-blank negative prompts of the
// given fragments in argument order
func NegativeConstraints(fragments ...*Fragment) []string {
	var negatives []string
	for _, f := range fragments {
		if f == nil || isBlank(f.NegativePrompt) {
			continue
		}
		negatives = append(negatives, strings.TrimSpace(f.NegativePrompt))
	}
	return negatives
}
