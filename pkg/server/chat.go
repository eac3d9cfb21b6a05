package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/gomega/pkg/gpt"
	"github.com/conneroisu/gomega/pkg/memory"
	"github.com/conneroisu/gomega/pkg/vocab"
	"github.com/dlclark/regexp2"
	"github.com/gin-gonic/gin"
)

// Message is one chat turn sent by the client.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON rejects a null message.
func (m *Message) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return errors.New("message is null")
	}
	type plain Message
	return json.Unmarshal(data, (*plain)(m))
}

// ChatRequest is the body of POST /chat. ModelID and Stream are accepted and
// ignored: there is one model and replies are never streamed.
type ChatRequest struct {
	ModelID     string    `json:"modelId"`
	Temperature *float32  `json:"temperature"`
	System      string    `json:"system"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
}

// UnmarshalJSON rejects a null body and an explicit null temperature. An
// absent temperature stays nil.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return errors.New("chat request is null")
	}
	type plain ChatRequest
	var aux struct {
		plain
		Temperature json.RawMessage `json:"temperature"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ChatRequest(aux.plain)
	r.Temperature = nil
	if aux.Temperature != nil {
		if isNull(aux.Temperature) {
			return errors.New("temperature is null")
		}
		var temperature float32
		if err := json.Unmarshal(aux.Temperature, &temperature); err != nil {
			return fmt.Errorf("temperature: %w", err)
		}
		r.Temperature = &temperature
	}
	return nil
}

func isNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}

// errNotAdmitted wraps the context error of a request that gave up waiting
// for its turn to generate.
var errNotAdmitted = errors.New("not admitted")

// ChatResponse is the body of a successful POST /chat.
type ChatResponse struct {
	Text string `json:"text"`
}

// turnBoundary matches the newline before a line that opens a new turn.
var turnBoundary = regexp2.MustCompile(`\r?\n(?=[ \t]*(?:User|Assistant):)`, regexp2.None)

// BuildPrompt flattens a conversation into the single string the model
// continues: the trimmed system text, then the last maxTurns messages as
// "User: " or "Assistant: " lines, then a bare "Assistant:" cue.
func BuildPrompt(system string, messages []Message, maxTurns int) string {
	parts := make([]string, 0, maxTurns+2)
	if system != "" {
		parts = append(parts, strings.TrimSpace(system))
	}
	if len(messages) > maxTurns {
		messages = messages[len(messages)-maxTurns:]
	}
	for _, m := range messages {
		if m.Role == "user" {
			parts = append(parts, "User: "+m.Content)
		} else {
			parts = append(parts, "Assistant: "+m.Content)
		}
	}
	parts = append(parts, "Assistant:")
	return strings.Join(parts, "\n")
}

// trimReply cuts reply before the first line that starts a new turn.
func trimReply(reply string) string {
	m, err := turnBoundary.FindStringMatch(reply)
	if err != nil || m == nil {
		return reply
	}
	// regexp2 indexes runes, not bytes
	return string([]rune(reply)[:m.Index])
}

// ChatHandler samples a reply to the posted conversation and remembers it.
func (s *Server) ChatHandler(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	temperature := s.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	prompt := BuildPrompt(req.System, req.Messages, s.opts.HistoryTurns)
	ids, err := s.tok.Encode(prompt)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out, err := s.generate(c.Request.Context(), ids, gpt.GenerateOptions{
		MaxNewTokens: s.opts.MaxNewTokens,
		Temperature:  temperature,
		TopK:         s.opts.TopK,
	})
	if errors.Is(err, errNotAdmitted) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	reply, err := s.tok.Decode(out[len(ids):])
	if err != nil {
		var decodeErr *vocab.DecodeError
		if errors.As(err, &decodeErr) {
			log.Error("model produced an undecodable id", "id", decodeErr.ID, "vocab_size", decodeErr.Size)
		}
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.opts.TrimTurns {
		reply = trimReply(reply)
	}

	s.mem.Append(memory.Entry{Role: "assistant", Text: reply})
	c.JSON(http.StatusOK, ChatResponse{Text: reply})
}

// generate runs one generation while holding the semaphore. The semaphore is
// released even if the generator panics.
func (s *Server) generate(ctx context.Context, ids []int32, opts gpt.GenerateOptions) ([]int32, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", errNotAdmitted, err)
	}
	defer s.sem.Release(1)
	return s.gen.Generate(ctx, ids, opts, s.src)
}
