package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textMessage(role, text string) OpenAIMessage {
	raw, _ := json.Marshal(text)
	return OpenAIMessage{Role: role, Content: raw}
}

func TestCompressKeepsShortConversations(t *testing.T) {
	req := &OpenAIRequest{Messages: []OpenAIMessage{
		textMessage("system", "be brief"),
		textMessage("user", "hi"),
		textMessage("assistant", "hello"),
	}}
	out := CompressOpenAI(req)
	assert.Equal(t, req, out)
}

func TestCompressFoldsOlderTurns(t *testing.T) {
	req := &OpenAIRequest{Messages: []OpenAIMessage{textMessage("system", "be brief")}}
	for i := 0; i < 12; i++ {
		req.Messages = append(req.Messages, textMessage("user", fmt.Sprintf("question %d", i)))
		req.Messages = append(req.Messages, textMessage("assistant", fmt.Sprintf("answer %d", i)))
	}

	out := CompressOpenAI(req)
	// system + summary + the five most recent turns
	require.Len(t, out.Messages, 7)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "system", out.Messages[1].Role)

	summary := openAIMessageText(out.Messages[1].Content)
	assert.Contains(t, summary, "Conversation history summary, 19 earlier messages")
	assert.Contains(t, summary, "user: question 0")

	// The newest turns survive verbatim, oldest first.
	assert.Equal(t, "answer 9", openAIMessageText(out.Messages[2].Content))
	assert.Equal(t, "answer 11", openAIMessageText(out.Messages[6].Content))
}

func TestCompressTruncatesLongPreviews(t *testing.T) {
	long := strings.Repeat("x", 400)
	req := &OpenAIRequest{Messages: []OpenAIMessage{
		textMessage("user", long),
		textMessage("assistant", "a"),
		textMessage("user", "b"),
		textMessage("assistant", "c"),
		textMessage("user", "d"),
		textMessage("assistant", "e"),
	}}
	out := CompressOpenAI(req)
	require.Len(t, out.Messages, 6)

	summary := openAIMessageText(out.Messages[0].Content)
	assert.Contains(t, summary, strings.Repeat("x", 150)+"...")
	assert.NotContains(t, summary, strings.Repeat("x", 151))
}
