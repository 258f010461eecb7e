// Package domain defines the records that flow through the filings question
// answering pipeline and the error kinds each stage can surface.
package domain

import "cmp"

// MaxRecords caps the similarity search result set.
const MaxRecords = 50

// MatchRecord is one enriched similarity-search row. Company, AssetManager
// and Quote are nil when the graph has no matching node or property.
type MatchRecord struct {
	Company      *string `json:"company"`
	AssetManager *string `json:"asset_manager"`
	Quote        *string `json:"quote"`
	Score        float64 `json:"score"`
}

// AnswerResult is what a caller gets back for one question: the filled
// prompt that was sent to the model and the generated text.
type AnswerResult struct {
	Context string `json:"context"`
	Result  string `json:"result"`
}

// StringPtr returns a pointer to s. Convenience for building records.
func StringPtr(s string) *string { return &s }

// ByScoreDesc orders records by descending score, for use with slices.SortStableFunc.
func ByScoreDesc(a, b MatchRecord) int {
	return cmp.Compare(b.Score, a.Score)
}
