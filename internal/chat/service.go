// Package chat runs one study-assistant turn: quota gate, semantic cache,
// guideline retrieval, streamed generation, then cache store and quota
// increment. It also owns the persisted chat history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kalambet/studychat/internal/composer"
	"github.com/kalambet/studychat/internal/extract"
	"github.com/kalambet/studychat/internal/guidelines"
	"github.com/kalambet/studychat/internal/metrics"
	"github.com/kalambet/studychat/internal/proxy"
	"github.com/kalambet/studychat/internal/quota"
	"github.com/kalambet/studychat/internal/semcache"
	"github.com/kalambet/studychat/internal/storage"
)

const titleRunes = 50

// ErrEmptyMessage is returned when a request has neither text nor a document.
var ErrEmptyMessage = errors.New("message or document required")

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// ErrGeneration wraps failures of the upstream model.
var ErrGeneration = errors.New("generation failed")

// ErrChatNotFound is returned for an unknown chat ID.
var ErrChatNotFound = errors.New("chat not found")

// QuotaError rejects a turn because the user's window is exhausted.
type QuotaError struct {
	Status quota.Status
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%v: resets at %s", quota.ErrQuotaExceeded, e.Status.ResetAt.Format(time.RFC3339))
}

func (e *QuotaError) Unwrap() error { return quota.ErrQuotaExceeded }

// QuotaGate is the part of quota.Tracker the service needs.
type QuotaGate interface {
	Check(ctx context.Context, uid string) (quota.Status, error)
	Increment(ctx context.Context, uid string) (quota.Status, error)
}

// ResponseCache is the part of semcache.Cache the service needs.
type ResponseCache interface {
	Lookup(ctx context.Context, uid, query string, file *semcache.FileContext) (*semcache.Hit, error)
	RecordHit(ctx context.Context, uid, id string) error
	Store(ctx context.Context, uid, query, response string, file *semcache.FileContext) (string, error)
}

// GuidelineSearcher returns the knowledge-base entries relevant to a query.
type GuidelineSearcher interface {
	Search(ctx context.Context, query string, topK int) []guidelines.Match
}

// Generator opens a streaming conversation with the model.
type Generator interface {
	StartChat(history []proxy.Turn) proxy.ChatSession
}

// JobQueue schedules background maintenance.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job storage.Job) (bool, error)
}

// SendRequest is one user turn.
type SendRequest struct {
	UserID   string `validate:"required,excludesall=/"`
	ChatID   string `validate:"omitempty,excludesall=/"`
	Message  string `validate:"max=20000"`
	Document *extract.Document
}

// Reply is the outcome of a turn.
type Reply struct {
	ChatID     string       `json:"chat_id"`
	MessageID  string       `json:"message_id"`
	Content    string       `json:"content"`
	Cached     bool         `json:"cached"`
	Similarity float64      `json:"similarity,omitempty"`
	Quota      quota.Status `json:"quota"`
	Guidelines []string     `json:"guidelines,omitempty"`
}

// Service coordinates quota, cache, retrieval and generation for chat turns.
type Service struct {
	kv         storage.KV
	quota      QuotaGate
	cache      ResponseCache
	guidelines GuidelineSearcher
	composer   *composer.Composer
	generator  Generator
	jobs       JobQueue
	topK       int
	validate   *validator.Validate
	now        func() time.Time
}

// NewService wires a Service. jobs may be nil, which disables the prune
// scheduling done by ListChats. topK defaults to guidelines.DefaultTopK.
func NewService(
	kv storage.KV,
	q QuotaGate,
	cache ResponseCache,
	gl GuidelineSearcher,
	comp *composer.Composer,
	gen Generator,
	jobs JobQueue,
	topK int,
) *Service {
	if topK <= 0 {
		topK = guidelines.DefaultTopK
	}
	return &Service{
		kv:         kv,
		quota:      q,
		cache:      cache,
		guidelines: gl,
		composer:   comp,
		generator:  gen,
		jobs:       jobs,
		topK:       topK,
		validate:   validator.New(),
		now:        time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Validate checks a request without touching any backend.
func (s *Service) Validate(req SendRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.Message) == "" && req.Document == nil {
		return ErrEmptyMessage
	}
	return nil
}

// Send runs one turn. onFragment receives generated text as it arrives; a
// cached answer is delivered as a single fragment. On a stream error nothing
// is cached or saved and the quota is not charged.
func (s *Service) Send(ctx context.Context, req SendRequest, onFragment func(string)) (Reply, error) {
	if err := s.Validate(req); err != nil {
		return Reply{}, err
	}
	if onFragment == nil {
		onFragment = func(string) {}
	}

	status, err := s.quota.Check(ctx, req.UserID)
	if err != nil {
		slog.Warn("quota check failed, allowing request", "user", req.UserID, "error", err)
		status = quota.Status{Allowed: true}
	}
	if !status.Allowed {
		metrics.QuotaRejections.Inc()
		return Reply{}, &QuotaError{Status: status}
	}

	var history []proxy.Turn
	if req.ChatID != "" {
		if err := s.kv.Get(ctx, chatPath(req.UserID, req.ChatID), nil); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Reply{}, ErrChatNotFound
			}
			return Reply{}, fmt.Errorf("loading chat: %w", err)
		}
		history, err = s.history(ctx, req.UserID, req.ChatID)
		if err != nil {
			return Reply{}, err
		}
	}

	var file *semcache.FileContext
	if req.Document != nil {
		file = &semcache.FileContext{Name: req.Document.Name, Size: req.Document.Size}
	}

	reply := Reply{Quota: status}

	hit, err := s.cache.Lookup(ctx, req.UserID, req.Message, file)
	if err != nil {
		slog.Warn("cache lookup failed", "user", req.UserID, "error", err)
	}
	if hit != nil {
		if err := s.cache.RecordHit(ctx, req.UserID, hit.ID); err != nil {
			slog.Warn("recording cache hit failed", "user", req.UserID, "entry", hit.ID, "error", err)
		}
		onFragment(hit.Response)

		reply.Content = hit.Response
		reply.Cached = true
		reply.Similarity = hit.Similarity
		if reply.ChatID, err = s.saveUserMessage(ctx, req, file); err != nil {
			return reply, err
		}
		reply.MessageID, err = s.appendMessage(ctx, req.UserID, reply.ChatID, Message{
			Role:    RoleAssistant,
			Content: hit.Response,
			Cached:  true,
		})
		if err != nil {
			return reply, err
		}
		slog.Debug("served cached answer", "user", req.UserID, "similarity", hit.Similarity)
		return reply, nil
	}

	matches := s.guidelines.Search(ctx, req.Message, s.topK)
	for _, m := range matches {
		reply.Guidelines = append(reply.Guidelines, m.Document.Title)
	}
	prompt := s.composer.Compose(req.Message, matches, req.Document)

	full, err := s.generate(ctx, history, prompt, onFragment)
	if err != nil {
		return Reply{}, err
	}
	reply.Content = full

	if _, err := s.cache.Store(ctx, req.UserID, req.Message, full, file); err != nil {
		slog.Warn("storing answer in cache failed", "user", req.UserID, "error", err)
	}

	if st, err := s.quota.Increment(ctx, req.UserID); err != nil {
		slog.Warn("quota increment failed", "user", req.UserID, "error", err)
	} else {
		reply.Quota = st
	}

	if reply.ChatID, err = s.saveUserMessage(ctx, req, file); err != nil {
		return reply, err
	}
	reply.MessageID, err = s.appendMessage(ctx, req.UserID, reply.ChatID, Message{
		Role:    RoleAssistant,
		Content: full,
	})
	if err != nil {
		return reply, err
	}
	return reply, nil
}

// saveUserMessage records the user's turn once an answer exists, creating the
// chat first when the request starts a new one. It returns the chat id.
func (s *Service) saveUserMessage(ctx context.Context, req SendRequest, file *semcache.FileContext) (string, error) {
	chatID := req.ChatID
	if chatID == "" {
		var err error
		if chatID, err = s.createChat(ctx, req.UserID, title(req)); err != nil {
			return "", err
		}
	}
	_, err := s.appendMessage(ctx, req.UserID, chatID, Message{
		Role:    RoleUser,
		Content: req.Message,
		File:    file,
	})
	return chatID, err
}

// generate streams the answer and accumulates it.
func (s *Service) generate(ctx context.Context, history []proxy.Turn, prompt string, onFragment func(string)) (string, error) {
	start := time.Now()
	defer func() {
		metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	}()

	stream, err := s.generator.StartChat(history).SendMessageStream(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		frag, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrGeneration, err)
		}
		sb.WriteString(frag)
		onFragment(frag)
	}
	return sb.String(), nil
}

// title is the first 50 runes of the message, or the document name when
// the message is empty.
func title(req SendRequest) string {
	t := strings.TrimSpace(req.Message)
	if t == "" && req.Document != nil {
		t = req.Document.Name
	}
	r := []rune(t)
	if len(r) > titleRunes {
		r = r[:titleRunes]
	}
	return string(r)
}
