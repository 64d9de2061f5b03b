package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wooffyapp/wooffy/internal/store"
)

const chatSystemPrompt = "You are Wooffy's pet care assistant. Answer questions about pet care, " +
	"health, nutrition and the Wooffy membership. Be concise and friendly. " +
	"For anything that sounds like an emergency, tell the owner to contact a veterinarian immediately."

// PetStore supplies the pet profiles folded into the chat context.
type PetStore interface {
	PetsByUser(ctx context.Context, userID uuid.UUID) ([]*store.Pet, error)
}

// Completer is the LLM call the chat service depends on.
type Completer interface {
	ChatCompletion(ctx context.Context, messages []ChatMessage) (*ChatMessage, error)
}

// ChatService proxies member conversations to the LLM with the member's
// pet profiles injected as context.
type ChatService struct {
	client Completer
	pets   PetStore
	logger *zap.Logger
}

// NewChatService creates the chat proxy service.
func NewChatService(client Completer, pets PetStore, logger *zap.Logger) *ChatService {
	return &ChatService{
		client: client,
		pets:   pets,
		logger: logger,
	}
}

// Chat sends the member's conversation to the LLM and returns the reply.
func (s *ChatService) Chat(ctx context.Context, userID uuid.UUID, conversation []ChatMessage) (string, error) {
	pets, err := s.pets.PetsByUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load pets: %w", err)
	}

	messages := make([]ChatMessage, 0, len(conversation)+1)
	messages = append(messages, ChatMessage{Role: "system", Content: systemPromptWithPets(pets)})
	messages = append(messages, conversation...)

	reply, err := s.client.ChatCompletion(ctx, messages)
	if err != nil {
		return "", err
	}

	s.logger.Info("chat reply generated",
		zap.String("user_id", userID.String()),
		zap.Int("messages", len(conversation)),
	)

	return reply.Content, nil
}

func systemPromptWithPets(pets []*store.Pet) string {
	if len(pets) == 0 {
		return chatSystemPrompt
	}

	var sb strings.Builder
	sb.WriteString(chatSystemPrompt)
	sb.WriteString("\n\nThe member's pets:\n")
	for _, p := range pets {
		sb.WriteString("- ")
		sb.WriteString(p.Name)
		if p.Breed != "" {
			sb.WriteString(" (")
			sb.WriteString(p.Breed)
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
