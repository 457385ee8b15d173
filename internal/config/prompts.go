// Default prompt templates.
//
// DESIGN: Centralized defaults used when the config file (or an operator
// override in the settings store) doesn't provide a template. This file
// contains ONLY data - no logic/helpers.
//
// Templates carry two placeholders the stage runner substitutes:
//   {{context}} - rolling style context from earlier segments
//   {{text}}    - the segment to rewrite
package config

// DefaultStagePrompts are the built-in templates keyed by stage name.
var DefaultStagePrompts = map[string]string{
	StagePolish: `You are a careful copy editor. Rewrite the passage below so it reads
naturally and fluently while preserving its meaning, facts, structure, and
approximate length. Return only the rewritten passage with no preamble,
no quotation marks, and no commentary.

Earlier passages from the same document, for stylistic consistency:
{{context}}

Passage to rewrite:
{{text}}`,

	StageEnhance: `You are a seasoned writing coach. Strengthen the passage below: vary
sentence rhythm, replace flat word choices, and tighten loose phrasing,
while keeping every claim, number, and citation intact and the length close
to the original. Return only the improved passage, nothing else.

Earlier passages from the same document, for stylistic consistency:
{{context}}

Passage to improve:
{{text}}`,

	StageEmotion: `You are a sensitive literary editor. Adjust the passage below so its
emotional register feels warmer and more human without changing its
meaning, events, or length in any significant way. Return only the
adjusted passage, nothing else.

Earlier passages from the same document, for stylistic consistency:
{{context}}

Passage to adjust:
{{text}}`,
}

// DefaultSummarizerPrompt condenses accumulated stage outputs into one
// short style reference used as context for later segments.
const DefaultSummarizerPrompt = `The numbered excerpts below were produced earlier in one rewriting run.
Condense them into a single short representative excerpt (a few sentences)
that captures their voice, register, and stylistic choices. The condensed
excerpt will be shown to the model as a style reference for later passages.
Return only the condensed excerpt.

{{text}}`
