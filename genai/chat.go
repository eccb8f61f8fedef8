package genai

// Chat is an append-only conversation log. It is caller-owned and not safe
// for concurrent use; workers that need their own copy take Clone().
//
// Thinking models attach opaque thought signatures to model turns. The
// server verifies reasoning continuity by requiring the first prior
// signature on the first part of the next user turn, so AddModelResponse
// records signatures and the next user-turn append echoes then clears them.
type Chat struct {
	contents       []Content
	lastSignatures []string
}

// NewChat returns an empty history.
func NewChat() *Chat { return &Chat{} }

// NewChatFromHistory seeds a chat with existing turns.
func NewChatFromHistory(contents []Content) *Chat {
	return &Chat{contents: append([]Content(nil), contents...)}
}

// Clone returns an independent copy.
func (c *Chat) Clone() *Chat {
	return &Chat{
		contents:       append([]Content(nil), c.contents...),
		lastSignatures: append([]string(nil), c.lastSignatures...),
	}
}

// History returns a copy of the recorded turns.
func (c *Chat) History() []Content {
	return append([]Content(nil), c.contents...)
}

// Len returns the number of turns.
func (c *Chat) Len() int { return len(c.contents) }

// AddUserText appends a user turn with a single text part.
func (c *Chat) AddUserText(text string) {
	c.AddUserParts(TextPart(text))
}

// AddUserParts appends a user turn. If the previous model response carried
// thought signatures, the first one is attached to the first part and the
// stored signatures are cleared.
func (c *Chat) AddUserParts(parts ...Part) {
	if len(parts) == 0 {
		return
	}
	out := append([]Part(nil), parts...)
	if len(c.lastSignatures) > 0 {
		if out[0].ThoughtSignature == "" {
			out[0].ThoughtSignature = c.lastSignatures[0]
		}
		c.lastSignatures = nil
	}
	c.contents = append(c.contents, Content{Role: "user", Parts: out})
}

// AddModelParts appends a model turn verbatim and records any thought
// signatures found in the parts.
func (c *Chat) AddModelParts(parts ...Part) {
	if len(parts) == 0 {
		return
	}
	c.contents = append(c.contents, Content{Role: "model", Parts: append([]Part(nil), parts...)})
	for _, p := range parts {
		if p.ThoughtSignature != "" {
			c.lastSignatures = append(c.lastSignatures, p.ThoughtSignature)
		}
	}
}

// AddModelResponse appends the first candidate's content as a model turn
// and records its thought signatures.
func (c *Chat) AddModelResponse(resp *GenerateContentResponse) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return
	}
	c.AddModelParts(resp.Candidates[0].Content.Parts...)
}

// AddToolResults appends a user turn carrying one functionResponse part per
// result, mapping the call ID to the result content.
func (c *Chat) AddToolResults(results []ToolResult) {
	if len(results) == 0 {
		return
	}
	parts := make([]Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, Part{FunctionResponse: &FunctionResponse{
			Name:     r.CallID,
			Response: map[string]any{"content": r.Content},
		}})
	}
	c.AddUserParts(parts...)
}

// PendingSignatures exposes the signatures recorded from the last model
// turn. Mostly useful in tests.
func (c *Chat) PendingSignatures() []string {
	return append([]string(nil), c.lastSignatures...)
}
