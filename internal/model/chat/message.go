package chat

import "time"

// Author tags who produced a message.
type Author string

const (
	AuthorUser Author = "user"
	AuthorBot  Author = "bot"
)

// Valid reports whether the author tag is one the log accepts.
func (a Author) Valid() bool {
	return a == AuthorUser || a == AuthorBot
}

// ContentKind 消息内容类型
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindFile  ContentKind = "file"
)

// Content is the rendered node shown inside a message bubble.
type Content struct {
	Kind    ContentKind   `json:"kind"`
	Text    string        `json:"text,omitempty"`
	Preview *ImagePreview `json:"preview,omitempty"`
	Link    *DownloadLink `json:"link,omitempty"`
}

// ImagePreview 图片附件的内联预览（图片 + 标题）
type ImagePreview struct {
	ObjectID     string `json:"objectId"`
	URL          string `json:"url"`
	MaxWidth     int    `json:"maxWidth"`     // px
	BorderRadius int    `json:"borderRadius"` // px
	Caption      string `json:"caption"`
}

// DownloadLink 非图片附件的下载链接
type DownloadLink struct {
	ObjectID string `json:"objectId"`
	URL      string `json:"url"`
	Download string `json:"download"`
	Label    string `json:"label"`
	Target   string `json:"target"`
}

// TextContent wraps plain text as a message node.
func TextContent(text string) Content {
	return Content{Kind: KindText, Text: text}
}

// Message is one immutable entry of a message log.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Seq       int       `json:"seq"`
	Author    Author    `json:"author"`
	Content   Content   `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlainText returns the text a message would read as; replays use it for attachments whose reference is gone.
func (m Message) PlainText() string {
	switch m.Content.Kind {
	case KindImage:
		if m.Content.Preview != nil {
			return "[image] " + m.Content.Preview.Caption
		}
	case KindFile:
		if m.Content.Link != nil {
			return m.Content.Link.Label
		}
	}
	return m.Content.Text
}
