package gemini

// Wire types for the Gemini REST API. Field names follow the API's
// camelCase JSON convention.

// Request is a generateContent request body.
type Request struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
}

// Content is a role-tagged group of parts.
type Content struct {
	Role  string `json:"role,omitempty"` // "user" or "model"
	Parts []Part `json:"parts"`
}

// Part is a single piece of content within a turn.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// Blob is inline binary data, base64 encoded.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse reports a tool result back into the session.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Tool declares functions the model may call.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes a callable function.
type FunctionDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// Schema is the subset of OpenAPI schema the function declarations use.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// GenerationConfig controls sampling and output modality.
type GenerationConfig struct {
	Temperature        *float64      `json:"temperature,omitempty"`
	TopP               *float64      `json:"topP,omitempty"`
	MaxOutputTokens    *int          `json:"maxOutputTokens,omitempty"`
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
	ImageConfig        *ImageConfig  `json:"imageConfig,omitempty"`
}

// SpeechConfig selects the synthesis voice.
type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

// VoiceConfig wraps the prebuilt voice selection.
type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

// PrebuiltVoiceConfig names a stock voice.
type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// ImageConfig controls image generation output.
type ImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

// SafetySetting configures one safety filter category.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// PermissiveSafetySettings disables blocking for every harm category. A
// deliberate product choice for this domain.
func PermissiveSafetySettings() []SafetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
		"HARM_CATEGORY_CIVIC_INTEGRITY",
	}
	settings := make([]SafetySetting, 0, len(categories))
	for _, cat := range categories {
		settings = append(settings, SafetySetting{Category: cat, Threshold: "BLOCK_NONE"})
	}
	return settings
}

// Response is a generateContent response body.
type Response struct {
	Candidates   []Candidate `json:"candidates"`
	ModelVersion string      `json:"modelVersion,omitempty"`
}

// Candidate is a single model response.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index"`
}

// Text concatenates all text parts of the first candidate.
func (r *Response) Text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var out string
	for _, part := range r.Candidates[0].Content.Parts {
		out += part.Text
	}
	return out
}

// FunctionCalls returns all function call parts of the first candidate.
func (r *Response) FunctionCalls() []FunctionCall {
	if len(r.Candidates) == 0 {
		return nil
	}
	var calls []FunctionCall
	for _, part := range r.Candidates[0].Content.Parts {
		if part.FunctionCall != nil {
			calls = append(calls, *part.FunctionCall)
		}
	}
	return calls
}

// InlineImages returns the base64 data of all inline image parts of the
// first candidate.
func (r *Response) InlineImages() []Blob {
	if len(r.Candidates) == 0 {
		return nil
	}
	var blobs []Blob
	for _, part := range r.Candidates[0].Content.Parts {
		if part.InlineData != nil {
			blobs = append(blobs, *part.InlineData)
		}
	}
	return blobs
}
