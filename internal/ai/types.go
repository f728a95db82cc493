package ai

import (
	"encoding/base64"
	"encoding/json"
)

// ChatRequest is the chat-completions payload shared by both upstream
// endpoints (the text model and the multimodal model).
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// Message is a single chat message. Content is a string for text models and
// a []ContentPart for multimodal models.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one element of a multimodal user message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image as a data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// ChatResponse is the subset of the upstream response we consume.
type ChatResponse struct {
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is one completed upstream call: the assistant text, the raw
// response body for archival, and token usage when reported.
type Result struct {
	Content string
	Raw     json.RawMessage
	Usage   *Usage
}

// TextMessages builds a plain system+user conversation.
func TextMessages(system, user string) []Message {
	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

// VisionMessages builds a system+user conversation carrying one JPEG image
// as a base64 data URL next to the user text.
func VisionMessages(system, user string, jpeg []byte) []Message {
	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: []ContentPart{
			{Type: "text", Text: user},
			{Type: "image_url", ImageURL: &ImageURL{
				URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg),
			}},
		}},
	}
}
