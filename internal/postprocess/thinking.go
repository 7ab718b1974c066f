package postprocess

import "strings"

const (
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"
)

// SegmentKind distinguishes visible text from thinking content.
type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentThinking
)

// Segment is a run of homogeneous stream content.
type Segment struct {
	Kind SegmentKind
	Text string
}

// ThinkingSplitter separates <thinking>...</thinking> regions from the
// assistant text stream. Tags may be split across chunk boundaries: the
// splitter retains the shortest buffer that could still be a partial tag.
// Callers route SegmentThinking to thinking deltas (Anthropic dialect) or
// drop it (OpenAI dialect).
type ThinkingSplitter struct {
	buf    string
	inside bool
}

// Feed consumes a chunk and returns the segments resolved so far.
func (s *ThinkingSplitter) Feed(text string) []Segment {
	if text == "" {
		return nil
	}
	s.buf += text
	var out []Segment
	emit := func(kind SegmentKind, t string) {
		if t == "" {
			return
		}
		if n := len(out); n > 0 && out[n-1].Kind == kind {
			out[n-1].Text += t
			return
		}
		out = append(out, Segment{Kind: kind, Text: t})
	}

	for s.buf != "" {
		if !s.inside {
			start := strings.Index(s.buf, thinkingStartTag)
			if start == -1 {
				pending := pendingTagSuffix(s.buf, thinkingStartTag)
				emit(SegmentText, s.buf[:len(s.buf)-pending])
				s.buf = s.buf[len(s.buf)-pending:]
				break
			}
			emit(SegmentText, s.buf[:start])
			s.buf = s.buf[start+len(thinkingStartTag):]
			s.inside = true
			continue
		}
		end := strings.Index(s.buf, thinkingEndTag)
		if end == -1 {
			pending := pendingTagSuffix(s.buf, thinkingEndTag)
			emit(SegmentThinking, s.buf[:len(s.buf)-pending])
			s.buf = s.buf[len(s.buf)-pending:]
			break
		}
		emit(SegmentThinking, s.buf[:end])
		s.buf = s.buf[end+len(thinkingEndTag):]
		s.inside = false
	}
	return out
}

// Flush releases whatever is still buffered once the stream ends. A pending
// partial tag at end-of-stream is literal content after all.
func (s *ThinkingSplitter) Flush() []Segment {
	if s.buf == "" {
		return nil
	}
	kind := SegmentText
	if s.inside {
		kind = SegmentThinking
	}
	seg := Segment{Kind: kind, Text: s.buf}
	s.buf = ""
	return []Segment{seg}
}

// pendingTagSuffix returns the length of the longest suffix of buffer that
// is a proper prefix of tag.
func pendingTagSuffix(buffer, tag string) int {
	maxLen := min(len(buffer), len(tag)-1)
	for length := maxLen; length > 0; length-- {
		if buffer[len(buffer)-length:] == tag[:length] {
			return length
		}
	}
	return 0
}
