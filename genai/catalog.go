package genai

// The Gemini API mixes naming conventions on the wire: generation config,
// function call/response and thinking fields are camelCase while
// inline_data/file_data and their members are snake_case. A blanket
// snake-to-camel transform silently disables features, so every known field
// is pinned here and checked against the struct tags by a test.

// wireCatalog maps "<Type>.<GoField>" to the exact wire key.
var wireCatalog = map[string]string{
	"GenerationConfig.ResponseMimeType":   "responseMimeType",
	"GenerationConfig.ResponseSchema":     "responseSchema",
	"GenerationConfig.ResponseJSONSchema": "responseJsonSchema",
	"GenerationConfig.ThinkingConfig":     "thinkingConfig",
	"GenerationConfig.CandidateCount":     "candidateCount",
	"GenerationConfig.MaxOutputTokens":    "maxOutputTokens",
	"GenerationConfig.TopP":               "topP",
	"GenerationConfig.TopK":               "topK",
	"GenerationConfig.StopSequences":      "stopSequences",
	"GenerationConfig.ResponseModalities": "responseModalities",
	"GenerationConfig.MediaResolution":    "mediaResolution",
	"GenerationConfig.SpeechConfig":       "speechConfig",

	"ThinkingConfig.ThinkingBudget":  "thinkingBudget",
	"ThinkingConfig.IncludeThoughts": "includeThoughts",

	"SpeechConfig.VoiceConfig":        "voiceConfig",
	"SpeechConfig.LanguageCode":       "languageCode",
	"VoiceConfig.PrebuiltVoiceConfig": "prebuiltVoiceConfig",
	"PrebuiltVoiceConfig.VoiceName":   "voiceName",

	"Part.InlineData":       "inline_data",
	"Part.FileData":         "file_data",
	"Part.FunctionCall":     "functionCall",
	"Part.FunctionResponse": "functionResponse",
	"Part.Thought":          "thought",
	"Part.ThoughtSignature": "thoughtSignature",

	"Blob.MimeType": "mime_type",
	"Blob.Data":     "data",

	"FileData.FileURI":     "file_uri",
	"FileData.MimeType":    "mime_type",
	"FileData.DisplayName": "display_name",

	"FunctionCall.Name": "name",
	"FunctionCall.Args": "args",

	"FunctionResponse.Name":         "name",
	"FunctionResponse.Response":     "response",
	"FunctionResponse.ID":           "id",
	"FunctionResponse.WillContinue": "willContinue",
	"FunctionResponse.Scheduling":   "scheduling",
}

// SchemaPropertyOrderingKey is the key used inside responseSchema objects
// to pin property order. It lives inside caller-provided schema maps, so it
// has no struct field of its own.
const SchemaPropertyOrderingKey = "propertyOrdering"

// WireKey returns the wire form of a catalogued field.
func WireKey(field string) (string, bool) {
	key, ok := wireCatalog[field]
	return key, ok
}

// CatalogEntries returns a copy of the full catalogue for verification.
func CatalogEntries() map[string]string {
	out := make(map[string]string, len(wireCatalog))
	for k, v := range wireCatalog {
		out[k] = v
	}
	return out
}
