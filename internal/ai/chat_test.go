package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wooffyapp/wooffy/internal/store"
)

type mockCompleter struct {
	reply string
	err   error

	received []ChatMessage
}

func (m *mockCompleter) ChatCompletion(ctx context.Context, messages []ChatMessage) (*ChatMessage, error) {
	m.received = messages
	if m.err != nil {
		return nil, m.err
	}
	return &ChatMessage{Role: "assistant", Content: m.reply}, nil
}

type mockPetStore struct {
	pets []*store.Pet
	err  error
}

func (m *mockPetStore) PetsByUser(ctx context.Context, userID uuid.UUID) ([]*store.Pet, error) {
	return m.pets, m.err
}

func TestChatInjectsPetContext(t *testing.T) {
	completer := &mockCompleter{reply: "Corgis do best with two short walks a day."}
	pets := &mockPetStore{pets: []*store.Pet{
		{ID: uuid.New(), Name: "Biscuit", Breed: "Corgi"},
		{ID: uuid.New(), Name: "Mochi"},
	}}
	svc := NewChatService(completer, pets, zap.NewNop())

	reply, err := svc.Chat(context.Background(), uuid.New(), []ChatMessage{
		{Role: "user", Content: "How often should I walk my dog?"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != completer.reply {
		t.Errorf("unexpected reply: %q", reply)
	}

	if len(completer.received) != 2 {
		t.Fatalf("expected system prompt plus conversation, got %d messages", len(completer.received))
	}
	system := completer.received[0]
	if system.Role != "system" {
		t.Fatalf("first message must be the system prompt, got role %q", system.Role)
	}
	if !strings.Contains(system.Content, "Biscuit (Corgi)") {
		t.Errorf("system prompt must list the pets, got %q", system.Content)
	}
	if !strings.Contains(system.Content, "Mochi") {
		t.Errorf("system prompt must include pets without a breed")
	}
}

func TestChatWithoutPets(t *testing.T) {
	completer := &mockCompleter{reply: "Happy to help."}
	svc := NewChatService(completer, &mockPetStore{}, zap.NewNop())

	if _, err := svc.Chat(context.Background(), uuid.New(), []ChatMessage{{Role: "user", Content: "hi"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(completer.received[0].Content, "The member's pets") {
		t.Errorf("system prompt must not mention pets when there are none")
	}
}

func TestChatPetStoreFailure(t *testing.T) {
	svc := NewChatService(&mockCompleter{}, &mockPetStore{err: errors.New("db down")}, zap.NewNop())

	if _, err := svc.Chat(context.Background(), uuid.New(), []ChatMessage{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("expected error when pet lookup fails")
	}
}

func TestChatCompleterFailure(t *testing.T) {
	svc := NewChatService(&mockCompleter{err: errors.New("model unavailable")}, &mockPetStore{}, zap.NewNop())

	if _, err := svc.Chat(context.Background(), uuid.New(), []ChatMessage{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("expected completer error to propagate")
	}
}
