package dispatch

import (
	"encoding/json"
	"errors"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/account"
	"github.com/router-for-me/QProxyAPI/internal/classifier"
	"github.com/router-for-me/QProxyAPI/internal/eventstream"
	"github.com/router-for-me/QProxyAPI/internal/postprocess"
	"github.com/router-for-me/QProxyAPI/internal/usage"
)

// ChunkKind enumerates the caller-facing stream fragments.
type ChunkKind int

const (
	// ChunkText is visible assistant text.
	ChunkText ChunkKind = iota
	// ChunkThinking is reasoning content between thinking tags.
	ChunkThinking
	// ChunkToolOpen announces a new tool call.
	ChunkToolOpen
	// ChunkToolArgs carries an argument fragment for an open call.
	ChunkToolArgs
	// ChunkToolClose marks a tool call complete.
	ChunkToolClose
)

// Chunk is one clean delta decoded from the upstream stream.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	Index    int
	ToolID   string
	ToolName string
}

// Stream consumes the upstream event stream and yields postprocessed chunks:
// cumulative-content deduplication, thinking-tag extraction, and tool-call
// assembly all happen here so the API layer only renders dialects.
type Stream struct {
	// Account is the pool account that served the request.
	Account *account.Account

	body       io.ReadCloser
	events     *eventstream.Reader
	splitter   postprocess.ThinkingSplitter
	tools      *postprocess.ToolAssembler
	counter    *usage.Counter
	cumulative string
	pending    []Chunk
	done       bool
	hasContent bool
}

func newStream(acc *account.Account, body io.ReadCloser, counter *usage.Counter) *Stream {
	return &Stream{
		Account: acc,
		body:    body,
		events:  eventstream.NewReader(body),
		tools:   postprocess.NewToolAssembler(),
		counter: counter,
	}
}

// Next returns the next chunk, io.EOF at end of stream, or an *UpstreamError
// when the upstream aborts mid-stream.
func (s *Stream) Next() (Chunk, error) {
	for len(s.pending) == 0 {
		if s.done {
			return Chunk{}, io.EOF
		}
		ev, err := s.events.Next()
		if errors.Is(err, io.EOF) {
			s.finish()
			continue
		}
		if err != nil {
			return Chunk{}, err
		}
		if err = s.consume(ev); err != nil {
			return Chunk{}, err
		}
	}
	chunk := s.pending[0]
	s.pending = s.pending[1:]
	return chunk, nil
}

func (s *Stream) consume(ev eventstream.Event) error {
	switch ev.Type {
	case eventstream.EventAssistantResponse:
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			log.WithError(err).Debug("unparseable assistant event payload")
			return nil
		}
		var delta string
		s.cumulative, delta = postprocess.DeltaByPrefix(s.cumulative, payload.Content)
		for _, seg := range s.splitter.Feed(delta) {
			s.emitSegment(seg)
		}
	case eventstream.EventToolUse:
		var tool postprocess.ToolEvent
		if err := json.Unmarshal(ev.Payload, &tool); err != nil {
			log.WithError(err).Debug("unparseable tool event payload")
			return nil
		}
		for _, action := range s.tools.Feed(tool) {
			s.emitToolAction(action)
		}
	case eventstream.EventAssistantEnd:
		s.finish()
	case eventstream.EventError:
		message := errorMessage(ev.Payload)
		return &UpstreamError{
			StatusCode: 200,
			Code:       ev.Exception,
			Message:    message,
			Class:      classifier.Classify(message, 0, ev.Exception),
		}
	}
	return nil
}

// finish flushes the splitter; a dangling partial tag is literal text.
func (s *Stream) finish() {
	for _, seg := range s.splitter.Flush() {
		s.emitSegment(seg)
	}
	s.done = true
}

func (s *Stream) emitSegment(seg postprocess.Segment) {
	if seg.Text == "" {
		return
	}
	kind := ChunkText
	if seg.Kind == postprocess.SegmentThinking {
		kind = ChunkThinking
	}
	s.counter.AddText(seg.Text)
	s.hasContent = true
	s.pending = append(s.pending, Chunk{Kind: kind, Text: seg.Text})
}

func (s *Stream) emitToolAction(action postprocess.ToolAction) {
	s.hasContent = true
	chunk := Chunk{Index: action.Index, ToolID: action.ID, ToolName: action.Name}
	switch action.Kind {
	case postprocess.ToolOpen:
		chunk.Kind = ChunkToolOpen
	case postprocess.ToolArgs:
		chunk.Kind = ChunkToolArgs
		chunk.Text = action.Fragment
		s.counter.AddText(action.Fragment)
	case postprocess.ToolClose:
		chunk.Kind = ChunkToolClose
	}
	s.pending = append(s.pending, chunk)
}

// ToolCalls returns the assembled tool calls in open order.
func (s *Stream) ToolCalls() []postprocess.ToolCall { return s.tools.Calls() }

// FinishReason is "tool_calls" when any tool call was opened, "stop"
// otherwise.
func (s *Stream) FinishReason() string {
	if s.tools.Seen() {
		return "tool_calls"
	}
	return "stop"
}

// HasContent reports whether any text, thinking, or tool output arrived.
func (s *Stream) HasContent() bool { return s.hasContent }

// OutputTokens returns the scaled output token count so far.
func (s *Stream) OutputTokens() int { return s.counter.Output() }

// ScaleTokens applies the configured multiplier to a raw count.
func (s *Stream) ScaleTokens(n int) int { return s.counter.Scale(n) }

// Close releases the upstream connection.
func (s *Stream) Close() error { return s.body.Close() }
