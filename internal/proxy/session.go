package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ChatSession sends prompts within a running conversation.
type ChatSession interface {
	SendMessageStream(ctx context.Context, prompt string) (TextStream, error)
}

// TextStream yields generated text fragments. Next returns io.EOF once the
// generation has completed.
type TextStream interface {
	Next() (string, error)
	Close() error
}

// Session is a conversation seeded with prior turns. Completed exchanges
// are appended to its history.
type Session struct {
	client *Client

	mu      sync.Mutex
	history []Turn
}

// StartChat begins a session with the given history.
func (c *Client) StartChat(history []Turn) ChatSession {
	h := make([]Turn, len(history))
	copy(h, history)
	return &Session{client: c, history: h}
}

// History returns a copy of the turns recorded so far.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

func toMessages(history []Turn, prompt string) []message {
	msgs := make([]message, 0, len(history)+1)
	for _, t := range history {
		role := "user"
		if t.Role == "model" || t.Role == "assistant" {
			role = "assistant"
		}
		msgs = append(msgs, message{Role: role, Content: t.Text})
	}
	return append(msgs, message{Role: "user", Content: prompt})
}

func (s *Session) SendMessageStream(ctx context.Context, prompt string) (TextStream, error) {
	s.mu.Lock()
	msgs := toMessages(s.history, prompt)
	s.mu.Unlock()

	rc, err := s.client.post(ctx, "/chat/completions", chatRequest{
		Model:    s.client.model,
		Messages: msgs,
		Stream:   true,
	}, streamingTimeout)
	if err != nil {
		return nil, fmt.Errorf("starting generation: %w", err)
	}

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Stream{session: s, prompt: prompt, body: rc, scanner: sc}, nil
}

// Stream reads a server-sent event stream of chat completion chunks.
type Stream struct {
	session *Session
	prompt  string
	body    io.ReadCloser
	scanner *bufio.Scanner
	text    strings.Builder
	done    bool
}

var dataPrefix = []byte("data:")

func (s *Stream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := bytes.TrimSpace(line[len(dataPrefix):])
		if string(data) == "[DONE]" {
			s.finish()
			return "", io.EOF
		}

		var chunk chatChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return "", fmt.Errorf("decoding stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("generation failed: %s", chunk.Error.Message)
		}
		var frag string
		for _, ch := range chunk.Choices {
			frag += ch.Delta.Content
		}
		if frag == "" {
			continue
		}
		s.text.WriteString(frag)
		return frag, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("reading stream: %w", err)
	}
	return "", errors.Join(io.ErrUnexpectedEOF, errors.New("stream ended without [DONE]"))
}

func (s *Stream) finish() {
	s.done = true
	s.session.mu.Lock()
	defer s.session.mu.Unlock()
	s.session.history = append(s.session.history,
		Turn{Role: "user", Text: s.prompt},
		Turn{Role: "model", Text: s.text.String()},
	)
}

func (s *Stream) Close() error {
	return s.body.Close()
}
