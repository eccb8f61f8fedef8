// Package genai defines the wire types shared by every layer of the client:
// contents and parts, generation config, responses, the structured error
// envelope, chat history, and the tool registry contract.
//
// Field naming on the wire is deliberately mixed: generation config and
// function call/response fields are camelCase while inline_data/file_data
// and their members are snake_case. The struct tags below are the single
// source of truth; see catalog.go for the checked catalogue.
package genai

// Content is one role-labelled turn in a conversation.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Part is a discriminated content unit. At most one of the primary
// discriminators (Text, InlineData, FileData, FunctionCall,
// FunctionResponse) is populated; ThoughtSignature may co-exist with any.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *Blob             `json:"inline_data,omitempty"`
	FileData         *FileData         `json:"file_data,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
}

// Blob carries inline media. Snake_case on the wire.
type Blob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// FileData references uploaded media. Snake_case on the wire.
type FileData struct {
	FileURI     string `json:"file_uri"`
	MimeType    string `json:"mime_type,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// FunctionCall is a model-emitted request to invoke a declared tool.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name"`
	Response     map[string]any `json:"response"`
	WillContinue *bool          `json:"willContinue,omitempty"`
	Scheduling   string         `json:"scheduling,omitempty"`
}

// Thinking level enum values accepted by thinkingConfig.
const (
	ThinkingLevelUnspecified = "THINKING_LEVEL_UNSPECIFIED"
	ThinkingLevelMinimal     = "MINIMAL"
	ThinkingLevelLow         = "LOW"
	ThinkingLevelMedium      = "MEDIUM"
	ThinkingLevelHigh        = "HIGH"
)

// ThinkingConfig controls reasoning-token budgets. A budget of -1 requests
// dynamic thinking.
type ThinkingConfig struct {
	ThinkingBudget  *int   `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool   `json:"includeThoughts,omitempty"`
	ThinkingLevel   string `json:"thinkingLevel,omitempty"`
}

// PrebuiltVoiceConfig selects a named prebuilt voice.
type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName,omitempty"`
}

// VoiceConfig wraps voice selection for speech output.
type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

// SpeechConfig configures audio responses.
type SpeechConfig struct {
	VoiceConfig  *VoiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

// GenerationConfig mirrors generationConfig on the wire (camelCase).
type GenerationConfig struct {
	Temperature        *float64        `json:"temperature,omitempty"`
	TopP               *float64        `json:"topP,omitempty"`
	TopK               *int            `json:"topK,omitempty"`
	CandidateCount     int             `json:"candidateCount,omitempty"`
	MaxOutputTokens    int             `json:"maxOutputTokens,omitempty"`
	StopSequences      []string        `json:"stopSequences,omitempty"`
	ResponseMimeType   string          `json:"responseMimeType,omitempty"`
	ResponseSchema     any             `json:"responseSchema,omitempty"`
	ResponseJSONSchema any             `json:"responseJsonSchema,omitempty"`
	ResponseModalities []string        `json:"responseModalities,omitempty"`
	MediaResolution    string          `json:"mediaResolution,omitempty"`
	ThinkingConfig     *ThinkingConfig `json:"thinkingConfig,omitempty"`
	SpeechConfig       *SpeechConfig   `json:"speechConfig,omitempty"`
}

// FunctionDeclaration describes one callable tool to the model.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool groups function declarations for the request body.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// GenerateContentRequest is the unary/streaming request body.
type GenerateContentRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
}

// Candidate is one generated answer.
type Candidate struct {
	Content      *Content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
	Index        int      `json:"index,omitempty"`
}

// UsageMetadata reports token accounting for a response or stream.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

// GenerateContentResponse is the unary response body and the shape of each
// SSE frame in a stream.
type GenerateContentResponse struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

// Text concatenates the text parts of the first candidate.
func (r *GenerateContentResponse) Text() string {
	if r == nil || len(r.Candidates) == 0 || r.Candidates[0].Content == nil {
		return ""
	}
	out := ""
	for _, p := range r.Candidates[0].Content.Parts {
		if p.Thought {
			continue
		}
		out += p.Text
	}
	return out
}

// FunctionCalls collects every functionCall part across all candidates, in
// arrival order.
func (r *GenerateContentResponse) FunctionCalls() []FunctionCall {
	if r == nil {
		return nil
	}
	var calls []FunctionCall
	for _, cand := range r.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if p.FunctionCall != nil {
				calls = append(calls, *p.FunctionCall)
			}
		}
	}
	return calls
}

// StreamEvent is one item delivered to a stream subscriber.
type StreamEvent struct {
	// Response is the decoded frame; nil for terminal events.
	Response *GenerateContentResponse
	// Raw is the undecoded frame payload.
	Raw []byte
	// Err is set on error termination.
	Err error
	// Done marks graceful stream completion.
	Done bool
}

// TextPart builds a plain text part.
func TextPart(text string) Part { return Part{Text: text} }

// UserContent builds a single-part user turn.
func UserContent(text string) Content {
	return Content{Role: "user", Parts: []Part{TextPart(text)}}
}

// ModelContent builds a model turn from parts.
func ModelContent(parts ...Part) Content {
	return Content{Role: "model", Parts: parts}
}

// CountTokensRequest is the body for the countTokens endpoint.
type CountTokensRequest struct {
	Contents []Content `json:"contents"`
}

// CountTokensResponse is the countTokens result.
type CountTokensResponse struct {
	TotalTokens             int `json:"totalTokens"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}
