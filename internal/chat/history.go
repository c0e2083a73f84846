package chat

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/kalambet/studychat/internal/proxy"
	"github.com/kalambet/studychat/internal/semcache"
	"github.com/kalambet/studychat/internal/storage"
)

// JobCachePrune is the maintenance job ListChats schedules for a user.
const JobCachePrune = "cache_prune"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chat is a conversation summary.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one persisted turn.
type Message struct {
	ID        string                `json:"id"`
	Role      string                `json:"role"`
	Content   string                `json:"content"`
	File      *semcache.FileContext `json:"file,omitempty"`
	Cached    bool                  `json:"cached"`
	CreatedAt time.Time             `json:"created_at"`
}

// chatDoc is stored at chats/{uid}/{chatID}.
type chatDoc struct {
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// messageDoc is stored at messages/{uid}/{chatID}/{msgID}.
type messageDoc struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	FileName  string `json:"fileName,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
	Cached    bool   `json:"cached"`
	CreatedAt int64  `json:"createdAt"`
}

// feedbackDoc is stored at feedback/{id}.
type feedbackDoc struct {
	UserID    string `json:"userId" validate:"required,excludesall=/"`
	Rating    int    `json:"rating" validate:"min=1,max=5"`
	Feedback  string `json:"feedback" validate:"max=5000"`
	CreatedAt int64  `json:"createdAt"`
}

func chatPath(uid, chatID string) string     { return "chats/" + uid + "/" + chatID }
func messagesPath(uid, chatID string) string { return "messages/" + uid + "/" + chatID }

func (s *Service) createChat(ctx context.Context, uid, title string) (string, error) {
	now := s.now().UnixMilli()
	id, err := s.kv.Push(ctx, "chats/"+uid, chatDoc{Title: title, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return "", fmt.Errorf("creating chat: %w", err)
	}
	return id, nil
}

func (s *Service) appendMessage(ctx context.Context, uid, chatID string, m Message) (string, error) {
	now := s.now().UnixMilli()
	doc := messageDoc{Role: m.Role, Content: m.Content, Cached: m.Cached, CreatedAt: now}
	if m.File != nil {
		doc.FileName, doc.FileSize = m.File.Name, m.File.Size
	}
	id, err := s.kv.Push(ctx, messagesPath(uid, chatID), doc)
	if err != nil {
		return "", fmt.Errorf("saving %s message: %w", m.Role, err)
	}
	if err := s.kv.Update(ctx, chatPath(uid, chatID), map[string]any{"updatedAt": now}); err != nil {
		slog.Warn("touching chat failed", "chat", chatID, "error", err)
	}
	return id, nil
}

// history converts the stored messages of a chat into generator turns.
func (s *Service) history(ctx context.Context, uid, chatID string) ([]proxy.Turn, error) {
	msgs, err := s.Messages(ctx, uid, chatID)
	if err != nil {
		return nil, err
	}
	turns := make([]proxy.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		turns = append(turns, proxy.Turn{Role: role, Text: m.Content})
	}
	return turns, nil
}

// ListChats returns the user's chats, most recently updated first. Opening
// the history also schedules a prune of the user's semantic cache.
func (s *Service) ListChats(ctx context.Context, uid string) ([]Chat, error) {
	if err := s.checkIDs(uid); err != nil {
		return nil, err
	}
	nodes, err := s.kv.List(ctx, "chats/"+uid)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}

	chats := make([]Chat, 0, len(nodes))
	for _, n := range nodes {
		var d chatDoc
		if err := n.Decode(&d); err != nil {
			slog.Warn("skipping malformed chat", "chat", n.Key, "error", err)
			continue
		}
		chats = append(chats, Chat{
			ID:        n.Key,
			Title:     d.Title,
			CreatedAt: time.UnixMilli(d.CreatedAt),
			UpdatedAt: time.UnixMilli(d.UpdatedAt),
		})
	}
	slices.SortStableFunc(chats, func(a, b Chat) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})

	s.schedulePrune(ctx, uid)
	return chats, nil
}

func (s *Service) schedulePrune(ctx context.Context, uid string) {
	if s.jobs == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"user_id": uid})
	queued, err := s.jobs.EnqueueJob(ctx, storage.Job{
		Type:        JobCachePrune,
		PayloadJSON: string(payload),
		DedupKey:    JobCachePrune + ":" + uid,
	})
	if err != nil {
		slog.Warn("scheduling cache prune failed", "user", uid, "error", err)
		return
	}
	if queued {
		slog.Debug("cache prune scheduled", "user", uid)
	}
}

// Messages returns a chat's messages in the order they were written.
func (s *Service) Messages(ctx context.Context, uid, chatID string) ([]Message, error) {
	if err := s.checkIDs(uid, chatID); err != nil {
		return nil, err
	}
	nodes, err := s.kv.List(ctx, messagesPath(uid, chatID))
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	msgs := make([]Message, 0, len(nodes))
	for _, n := range nodes {
		var d messageDoc
		if err := n.Decode(&d); err != nil {
			slog.Warn("skipping malformed message", "message", n.Key, "error", err)
			continue
		}
		m := Message{
			ID:        n.Key,
			Role:      d.Role,
			Content:   d.Content,
			Cached:    d.Cached,
			CreatedAt: time.UnixMilli(d.CreatedAt),
		}
		if d.FileName != "" {
			m.File = &semcache.FileContext{Name: d.FileName, Size: d.FileSize}
		}
		msgs = append(msgs, m)
	}
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return cmp.Compare(a.CreatedAt.UnixMilli(), b.CreatedAt.UnixMilli())
	})
	return msgs, nil
}

// DeleteChat removes a chat and its messages.
func (s *Service) DeleteChat(ctx context.Context, uid, chatID string) error {
	if err := s.checkIDs(uid, chatID); err != nil {
		return err
	}
	if err := s.kv.Get(ctx, chatPath(uid, chatID), nil); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrChatNotFound
		}
		return fmt.Errorf("loading chat: %w", err)
	}
	if err := s.kv.Remove(ctx, messagesPath(uid, chatID)); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if err := s.kv.Remove(ctx, chatPath(uid, chatID)); err != nil {
		return fmt.Errorf("deleting chat: %w", err)
	}
	return nil
}

// DeleteAllChats removes every chat and message of a user.
func (s *Service) DeleteAllChats(ctx context.Context, uid string) error {
	if err := s.checkIDs(uid); err != nil {
		return err
	}
	if err := s.kv.Remove(ctx, "messages/"+uid); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if err := s.kv.Remove(ctx, "chats/"+uid); err != nil {
		return fmt.Errorf("deleting chats: %w", err)
	}
	return nil
}

// SubmitFeedback stores a 1-5 rating with optional text and returns its ID.
func (s *Service) SubmitFeedback(ctx context.Context, uid string, rating int, text string) (string, error) {
	doc := feedbackDoc{UserID: uid, Rating: rating, Feedback: text, CreatedAt: s.now().UnixMilli()}
	if err := s.validate.Struct(doc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	id, err := s.kv.Push(ctx, "feedback", doc)
	if err != nil {
		return "", fmt.Errorf("saving feedback: %w", err)
	}
	return id, nil
}

// checkIDs rejects empty identifiers and ones that would escape their path.
func (s *Service) checkIDs(ids ...string) error {
	for _, id := range ids {
		if err := s.validate.Var(id, "required,excludesall=/"); err != nil {
			return fmt.Errorf("%w: bad id %q", ErrInvalidRequest, id)
		}
	}
	return nil
}
