// Package stream wraps a live agent token stream: events pass through to
// the caller, feed the response resumer, and coalesce into one history
// entry persisted when the stream ends.
package stream

import "strings"

// EventType classifies events on an agent stream.
type EventType string

const (
	// EventText is a partial chunk of the agent's visible output.
	EventText EventType = "text"
	// EventThinking is a partial chunk of intermediate reasoning output.
	EventThinking EventType = "thinking"
	// EventToolResult carries the outcome of a tool invocation.
	EventToolResult EventType = "tool_result"
)

// Attachment is a structured reference extracted from tool output.
type Attachment struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// Event is one element of an agent stream.
type Event struct {
	Type        EventType    `json:"type"`
	Text        string       `json:"text,omitempty"`
	ToolName    string       `json:"toolName,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Block is a coalesced run of adjacent same-type events.
type Block struct {
	Type EventType `json:"type"`
	Text string    `json:"text,omitempty"`
	Tool string    `json:"tool,omitempty"`
}

// Coalescer merges adjacent partial events into blocks and collects
// attachments for the final persisted turn. Not safe for concurrent use;
// the adapter's finalize loop is its only writer.
type Coalescer struct {
	blocks      []Block
	attachments []Attachment
}

// Add folds one event into the coalesced state. Adjacent text (and
// thinking) events merge into a single block; tool results always start a
// new block.
func (c *Coalescer) Add(ev Event) {
	c.attachments = append(c.attachments, ev.Attachments...)

	switch ev.Type {
	case EventText, EventThinking:
		if ev.Text == "" {
			return
		}
		if n := len(c.blocks); n > 0 && c.blocks[n-1].Type == ev.Type {
			c.blocks[n-1].Text += ev.Text
			return
		}
		c.blocks = append(c.blocks, Block{Type: ev.Type, Text: ev.Text})
	case EventToolResult:
		c.blocks = append(c.blocks, Block{Type: EventToolResult, Tool: ev.ToolName, Text: ev.Text})
	}
}

// Blocks returns the coalesced blocks in stream order.
func (c *Coalescer) Blocks() []Block {
	return c.blocks
}

// Attachments returns every attachment seen on the stream.
func (c *Coalescer) Attachments() []Attachment {
	return c.attachments
}

// FinalText joins the visible text blocks into the agent's answer.
func (c *Coalescer) FinalText() string {
	var sb strings.Builder
	for _, b := range c.blocks {
		if b.Type == EventText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Empty reports whether nothing worth persisting was collected.
func (c *Coalescer) Empty() bool {
	return len(c.blocks) == 0 && len(c.attachments) == 0
}

// Content builds the history-entry content for the coalesced turn.
func (c *Coalescer) Content() map[string]interface{} {
	content := map[string]interface{}{
		"role": "assistant",
		"text": c.FinalText(),
	}
	if len(c.blocks) > 0 {
		blocks := make([]map[string]interface{}, 0, len(c.blocks))
		for _, b := range c.blocks {
			block := map[string]interface{}{"type": string(b.Type)}
			if b.Text != "" {
				block["text"] = b.Text
			}
			if b.Tool != "" {
				block["tool"] = b.Tool
			}
			blocks = append(blocks, block)
		}
		content["blocks"] = blocks
	}
	if len(c.attachments) > 0 {
		content["attachments"] = c.attachments
	}
	return content
}
