// Package request turns a session history and a new user input into the one
// outgoing request the endpoint expects: a JSON chat body, the same body with
// web search enabled, or a multipart image-analysis form.
package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/streamchat/internal/chat"
	"github.com/comigor/streamchat/internal/config"
)

// Mode selects the request shape.
type Mode string

const (
	ModePlain     Mode = "plain"
	ModeImage     Mode = "image"
	ModeWebSearch Mode = "web_search"
)

const (
	PathChat        = "/chat"
	PathUploadImage = "/upload-image"
)

// WireMessage is one history entry on the wire.
type WireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatBody is the JSON body of POST /chat.
type ChatBody struct {
	Messages        []WireMessage `json:"messages"`
	Model           string        `json:"model"`
	Temperature     float64       `json:"temperature"`
	MaxTokens       int           `json:"max_tokens"`
	Stream          bool          `json:"stream"`
	EnableWebSearch bool          `json:"enable_web_search,omitempty"`
	SearchQuery     string        `json:"search_query,omitempty"`
}

// ImageForm is the multipart body of POST /upload-image.
type ImageForm struct {
	Prompt    string
	Model     string
	MaxTokens int
	Detail    string
	History   []WireMessage
	Image     *chat.ImageRef
}

// Descriptor is a fully built request. Exactly one of Chat and Form is set.
type Descriptor struct {
	Mode Mode
	Path string
	Chat *ChatBody
	Form *ImageForm
}

// Builder holds the fixed generation parameters.
type Builder struct {
	Temperature   float64
	MaxTokens     int
	ImageDetail   string
	MaxImageBytes int64
}

// NewBuilder creates a Builder from configuration.
func NewBuilder(cfg config.Config) *Builder {
	return &Builder{
		Temperature:   cfg.Chat.Temperature,
		MaxTokens:     cfg.Chat.MaxTokens,
		ImageDetail:   cfg.Image.Detail,
		MaxImageBytes: cfg.Image.MaxBytes,
	}
}

func (b *Builder) maxImageBytes() int64 {
	if b.MaxImageBytes > 0 {
		return b.MaxImageBytes
	}
	return DefaultMaxImageBytes
}

// ModeOf picks the request shape for an input. An attached image wins over
// the web-search flag.
func ModeOf(in chat.Input) Mode {
	switch {
	case in.Image != nil:
		return ModeImage
	case in.WebSearch:
		return ModeWebSearch
	default:
		return ModePlain
	}
}

// Build returns the request for one turn. history is the conversation before
// the turn and is never modified.
func (b *Builder) Build(history []chat.Message, in chat.Input, model string) (*Descriptor, error) {
	if err := b.Validate(in); err != nil {
		return nil, err
	}

	mode := ModeOf(in)
	switch mode {
	case ModeImage:
		detail := b.ImageDetail
		if detail == "" {
			detail = "auto"
		}
		return &Descriptor{
			Mode: mode,
			Path: PathUploadImage,
			Form: &ImageForm{
				Prompt:    in.Text,
				Model:     model,
				MaxTokens: b.MaxTokens,
				Detail:    detail,
				History:   wireHistory(history, false),
				Image:     in.Image,
			},
		}, nil
	case ModeWebSearch:
		body := b.chatBody(wireHistory(history, true), in.Text, model)
		body.EnableWebSearch = true
		body.SearchQuery = strings.TrimSpace(in.Text)
		return &Descriptor{Mode: mode, Path: PathChat, Chat: body}, nil
	default:
		return &Descriptor{Mode: mode, Path: PathChat, Chat: b.chatBody(wireHistory(history, false), in.Text, model)}, nil
	}
}

func (b *Builder) chatBody(history []WireMessage, text, model string) *ChatBody {
	messages := append(history, WireMessage{Role: openai.ChatMessageRoleUser, Content: text})
	return &ChatBody{
		Messages:    messages,
		Model:       model,
		Temperature: b.Temperature,
		MaxTokens:   b.MaxTokens,
		Stream:      true,
	}
}

// wireHistory converts messages to role/content pairs. Image-bearing messages
// and empty assistant replies (failed turns) are dropped; with dropSearch set,
// assistant replies tagged as search artifacts are dropped too.
func wireHistory(history []chat.Message, dropSearch bool) []WireMessage {
	out := make([]WireMessage, 0, len(history))
	for _, m := range history {
		if m.HasImage() {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Role == chat.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
			if m.Content == "" || (dropSearch && m.SearchArtifact) {
				continue
			}
		}
		out = append(out, WireMessage{Role: role, Content: m.Content})
	}
	return out
}

// Encode renders the body. The returned reader must be consumed or closed by
// the caller; for file uploads it streams straight from the image source.
func (d *Descriptor) Encode() (io.ReadCloser, string, error) {
	switch {
	case d.Chat != nil:
		raw, err := json.Marshal(d.Chat)
		if err != nil {
			return nil, "", err
		}
		return io.NopCloser(bytes.NewReader(raw)), "application/json", nil
	case d.Form != nil:
		return d.Form.encode()
	default:
		return nil, "", fmt.Errorf("request %s has no body", d.Path)
	}
}

// Method is always POST for the streaming endpoints.
func (d *Descriptor) Method() string { return http.MethodPost }

func (f *ImageForm) fields() ([][2]string, error) {
	history, err := json.Marshal(f.History)
	if err != nil {
		return nil, err
	}
	return [][2]string{
		{"prompt", f.Prompt},
		{"model", f.Model},
		{"max_tokens", strconv.Itoa(f.MaxTokens)},
		{"detail", f.Detail},
		{"stream", "true"},
		{"conversation_history", string(history)},
	}, nil
}

func (f *ImageForm) encode() (io.ReadCloser, string, error) {
	fields, err := f.fields()
	if err != nil {
		return nil, "", err
	}

	if f.Image.Source == nil {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if err := writeFields(mw, fields); err != nil {
			return nil, "", err
		}
		if err := mw.WriteField("base64_image", f.Image.DataURL); err != nil {
			return nil, "", err
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return io.NopCloser(&buf), mw.FormDataContentType(), nil
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(f.writeFile(mw, fields))
	}()
	return pr, mw.FormDataContentType(), nil
}

func (f *ImageForm) writeFile(mw *multipart.Writer, fields [][2]string) error {
	if err := writeFields(mw, fields); err != nil {
		return err
	}
	src, err := f.Image.Source.Open()
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer src.Close()

	name := f.Image.Name
	if name == "" {
		name = "image"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(name)))
	contentType := f.Image.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

func writeFields(mw *multipart.Writer, fields [][2]string) error {
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }
