package topiary

import "context"

// BackendRequest carries everything a generation backend needs to produce
// text for one node.
type BackendRequest struct {
	// ModelID selects the provider model; opaque to the engine.
	ModelID string

	// Path is the root-first list of ancestor queries giving the node its
	// position in the topic tree.
	Path []string

	// Query is the node's own topic text.
	Query string

	// Summarize asks for a condensed treatment instead of a full document.
	Summarize bool
}

// StreamResult is the outcome of a backend stream, complete or partial.
type StreamResult struct {
	// Text is the concatenation of all chunks produced before the stream
	// ended, including on error.
	Text string

	// TokensUsed is the provider-reported raw token count, or 0 when the
	// provider did not report one. Callers fall back to EstimateTokens.
	TokensUsed int64
}

// GenerationBackend streams generated text for a request.
//
// Stream calls onChunk for each text fragment as it arrives. An onChunk error
// aborts the stream; the backend must still return a StreamResult describing
// whatever was produced, alongside the error, so partial output can be
// accounted for.
type GenerationBackend interface {
	Stream(ctx context.Context, req *BackendRequest, onChunk func(chunk string) error) (*StreamResult, error)
}
