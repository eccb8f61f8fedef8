package genai

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

var catalogTypes = map[string]reflect.Type{
	"GenerationConfig":    reflect.TypeOf(GenerationConfig{}),
	"ThinkingConfig":      reflect.TypeOf(ThinkingConfig{}),
	"SpeechConfig":        reflect.TypeOf(SpeechConfig{}),
	"VoiceConfig":         reflect.TypeOf(VoiceConfig{}),
	"PrebuiltVoiceConfig": reflect.TypeOf(PrebuiltVoiceConfig{}),
	"Part":                reflect.TypeOf(Part{}),
	"Blob":                reflect.TypeOf(Blob{}),
	"FileData":            reflect.TypeOf(FileData{}),
	"FunctionCall":        reflect.TypeOf(FunctionCall{}),
	"FunctionResponse":    reflect.TypeOf(FunctionResponse{}),
}

// Every catalogued field must serialize under exactly the catalogued key.
func TestWireCatalogMatchesStructTags(t *testing.T) {
	for entry, wantKey := range CatalogEntries() {
		pieces := strings.SplitN(entry, ".", 2)
		typ, ok := catalogTypes[pieces[0]]
		if !ok {
			t.Fatalf("catalog entry %s references unknown type", entry)
		}
		field, ok := typ.FieldByName(pieces[1])
		if !ok {
			t.Fatalf("catalog entry %s references unknown field", entry)
		}
		tag := strings.Split(field.Tag.Get("json"), ",")[0]
		if tag != wantKey {
			t.Errorf("%s: wire key %q, struct tag %q", entry, wantKey, tag)
		}
	}
}

func TestWireKeyLookup(t *testing.T) {
	key, ok := WireKey("ThinkingConfig.ThinkingBudget")
	if !ok || key != "thinkingBudget" {
		t.Fatalf("unexpected lookup result %q %v", key, ok)
	}
	if _, ok := WireKey("Nope.Nothing"); ok {
		t.Fatalf("expected miss for unknown field")
	}
}

func TestPartSerializationMixedCasing(t *testing.T) {
	p := Part{
		InlineData:       &Blob{MimeType: "image/png", Data: "aGk="},
		ThoughtSignature: "sig-1",
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	for _, want := range []string{`"inline_data"`, `"mime_type"`, `"thoughtSignature"`} {
		if !strings.Contains(s, want) {
			t.Errorf("serialized part missing %s: %s", want, s)
		}
	}
	if strings.Contains(s, "inlineData") || strings.Contains(s, "mimeType") {
		t.Errorf("camelCase leak in snake_case fields: %s", s)
	}
}

func TestRoundTripTypes(t *testing.T) {
	wc := true
	cases := []any{
		&Part{Text: "hello"},
		&Part{FunctionCall: &FunctionCall{Name: "get_weather", Args: map[string]any{"location": "Seattle"}}},
		&Part{FunctionResponse: &FunctionResponse{Name: "call-1", Response: map[string]any{"content": "ok"}, WillContinue: &wc}},
		&Part{FileData: &FileData{FileURI: "gs://bucket/x.png", MimeType: "image/png", DisplayName: "x"}},
		&GenerationConfig{ResponseMimeType: "application/json", MaxOutputTokens: 128, ResponseModalities: []string{"TEXT"}},
		&GenerateContentResponse{
			Candidates:    []Candidate{{Content: &Content{Role: "model", Parts: []Part{{Text: "ok"}}}, FinishReason: "STOP"}},
			UsageMetadata: &UsageMetadata{PromptTokenCount: 3, TotalTokenCount: 8},
		},
	}
	for _, in := range cases {
		raw, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal %T: %v", in, err)
		}
		out := reflect.New(reflect.TypeOf(in).Elem()).Interface()
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("unmarshal %T: %v", in, err)
		}
		reRaw, err := json.Marshal(out)
		if err != nil {
			t.Fatalf("re-marshal %T: %v", in, err)
		}
		if string(raw) != string(reRaw) {
			t.Errorf("round trip drift for %T:\n  first:  %s\n  second: %s", in, raw, reRaw)
		}
	}
}
