package dispatch

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/QProxyAPI/internal/account"
	"github.com/router-for-me/QProxyAPI/internal/classifier"
	"github.com/router-for-me/QProxyAPI/internal/eventstream"
	"github.com/router-for-me/QProxyAPI/internal/usage"
)

func encodeFrame(headers map[string]string, payload []byte) []byte {
	var headerBuf bytes.Buffer
	for name, value := range headers {
		headerBuf.WriteByte(byte(len(name)))
		headerBuf.WriteString(name)
		headerBuf.WriteByte(7)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(value)))
		headerBuf.Write(l[:])
		headerBuf.WriteString(value)
	}
	totalLen := uint32(12 + headerBuf.Len() + len(payload) + 4)

	var frame bytes.Buffer
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], totalLen)
	frame.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(headerBuf.Len()))
	frame.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], crc32.ChecksumIEEE(frame.Bytes()))
	frame.Write(u32[:])
	frame.Write(headerBuf.Bytes())
	frame.Write(payload)
	binary.BigEndian.PutUint32(u32[:], crc32.ChecksumIEEE(frame.Bytes()))
	frame.Write(u32[:])
	return frame.Bytes()
}

func assistantFrame(content string) []byte {
	payload, _ := json.Marshal(map[string]string{"content": content})
	return encodeFrame(map[string]string{":event-type": eventstream.EventAssistantResponse}, payload)
}

func toolFrame(payload string) []byte {
	return encodeFrame(map[string]string{":event-type": eventstream.EventToolUse}, []byte(payload))
}

func streamOf(frames ...[]byte) *Stream {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f)
	}
	acc := &account.Account{ID: "acc-1"}
	return newStream(acc, io.NopCloser(&buf), usage.NewCounter(1))
}

func drain(t *testing.T, s *Stream) []Chunk {
	t.Helper()
	var chunks []Chunk
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

func TestStreamCumulativeContentDeduplicated(t *testing.T) {
	s := streamOf(
		assistantFrame("Hel"),
		assistantFrame("Hello, wor"),
		assistantFrame("Hello, world"),
	)
	chunks := drain(t, s)

	var text string
	for _, c := range chunks {
		require.Equal(t, ChunkText, c.Kind)
		text += c.Text
	}
	assert.Equal(t, "Hello, world", text)
	assert.True(t, s.HasContent())
	assert.Equal(t, "stop", s.FinishReason())
	assert.Greater(t, s.OutputTokens(), 0)
}

func TestStreamThinkingSeparated(t *testing.T) {
	s := streamOf(
		assistantFrame("<thinking>pondering</thinking>answer"),
		encodeFrame(map[string]string{":event-type": eventstream.EventAssistantEnd}, []byte(`{}`)),
	)
	chunks := drain(t, s)

	var thinking, text string
	for _, c := range chunks {
		switch c.Kind {
		case ChunkThinking:
			thinking += c.Text
		case ChunkText:
			text += c.Text
		}
	}
	assert.Equal(t, "pondering", thinking)
	assert.Equal(t, "answer", text)
}

func TestStreamToolAssembly(t *testing.T) {
	s := streamOf(
		toolFrame(`{"toolUseId":"t1","name":"get_weather","input":"{\"city\":"}`),
		toolFrame(`{"toolUseId":"t1","input":"\"sf\"}","stop":true}`),
	)
	chunks := drain(t, s)

	require.Len(t, chunks, 4)
	assert.Equal(t, ChunkToolOpen, chunks[0].Kind)
	assert.Equal(t, "get_weather", chunks[0].ToolName)
	assert.Equal(t, ChunkToolArgs, chunks[1].Kind)
	assert.Equal(t, ChunkToolArgs, chunks[2].Kind)
	assert.Equal(t, ChunkToolClose, chunks[3].Kind)

	assert.Equal(t, "tool_calls", s.FinishReason())
	calls := s.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "t1", calls[0].ID)
	assert.JSONEq(t, `{"city":"sf"}`, calls[0].Arguments)
}

func TestStreamErrorFrameClassified(t *testing.T) {
	s := streamOf(
		assistantFrame("partial"),
		encodeFrame(map[string]string{
			":message-type":   "exception",
			":exception-type": "ThrottlingException",
		}, []byte(`{"message":"too many requests"}`)),
	)

	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "partial", chunk.Text)

	_, err = s.Next()
	var uerr *UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "ThrottlingException", uerr.Code)
	assert.Equal(t, classifier.RateLimited, uerr.Class.Type)
}

func TestStreamEmptyHasNoContent(t *testing.T) {
	s := streamOf()
	chunks := drain(t, s)
	assert.Empty(t, chunks)
	assert.False(t, s.HasContent())
	assert.Zero(t, s.OutputTokens())
}
