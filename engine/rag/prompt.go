package rag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/assetmanager/filingsqa/engine/domain"
)

// DefaultSystemPrompt constrains the model to the supplied context and makes
// it answer "None" when that context is empty.
const DefaultSystemPrompt = `You are a Financial expert with SEC filings who can answer questions only based on the context below.
* Answer the question based on the context provided in JSON below.
* Do not assume or retrieve any information outside of the context
* List the results in rich text format if there are more than one results
* If the context is empty, just respond None
`

// DefaultTemplate is the user prompt. {question} and {context} are the two slots.
const DefaultTemplate = `
<question>
{question}
</question>

Here is the context:
<context>
{context}
</context>
`

// Serialize renders records as a compact JSON array. Nil and empty input
// both produce "[]". HTML characters are left unescaped so quotes reach the
// model verbatim.
func Serialize(records []domain.MatchRecord) (string, error) {
	if records == nil {
		records = []domain.MatchRecord{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(records); err != nil {
		return "", fmt.Errorf("rag: serialize context: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Deserialize parses a context produced by Serialize.
func Deserialize(context string) ([]domain.MatchRecord, error) {
	var records []domain.MatchRecord
	if err := json.Unmarshal([]byte(context), &records); err != nil {
		return nil, fmt.Errorf("rag: parse context: %w", err)
	}
	return records, nil
}

// FillTemplate substitutes question and context into tmpl in a single pass,
// so placeholder text inside the question is never expanded.
func FillTemplate(tmpl, question, context string) string {
	return strings.NewReplacer("{question}", question, "{context}", context).Replace(tmpl)
}
