package viking

import "encoding/json"

// Memory is one recalled item. Leaf memories are concrete entries; non-leaf
// items are directory-style overviews of a subtree.
type Memory struct {
	URI      string  `json:"uri"`
	Abstract string  `json:"abstract,omitempty"`
	Overview string  `json:"overview,omitempty"`
	Category string  `json:"category,omitempty"`
	Score    float64 `json:"score"`
	IsLeaf   bool    `json:"is_leaf"`
}

// Text returns the best human-readable summary: the abstract when present,
// else the overview.
func (m Memory) Text() string {
	if m.Abstract != "" {
		return m.Abstract
	}
	return m.Overview
}

// ExtractedMemory is one record produced by session extraction.
type ExtractedMemory struct {
	URI      string `json:"uri,omitempty"`
	Category string `json:"category,omitempty"`
	Abstract string `json:"abstract,omitempty"`
}

type findRequest struct {
	Query          string  `json:"query"`
	TargetURI      string  `json:"target_uri,omitempty"`
	Limit          int     `json:"limit"`
	ScoreThreshold float64 `json:"score_threshold"`
	SessionID      string  `json:"session_id,omitempty"`
}

type findResult struct {
	Memories []Memory `json:"memories"`
	Total    int      `json:"total"`
}

type createSessionResult struct {
	SessionID string `json:"session_id"`
}

type addMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// envelope is the server's uniform response shape.
type envelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status string `json:"status"`
}
