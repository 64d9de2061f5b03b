package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wooffyapp/wooffy/internal/store"
)

// ErrAIDisabled is returned when the AI alert job runs without a
// configured tip generator.
var ErrAIDisabled = errors.New("ai features are not enabled")

const aiAlertSystemPrompt = "You are a friendly veterinary assistant for the Wooffy pet membership app. " +
	"Write one short, practical care tip for the owner's pets. Plain text, two sentences, no greeting."

// RunAIAlert generates a one-off care tip for a user's pets and drops it
// into their in-app feed. On-demand variant: invoked per user, no email.
func (r *Runner) RunAIAlert(ctx context.Context, userID uuid.UUID) (*Summary, error) {
	if r.tips == nil {
		return nil, ErrAIDisabled
	}

	pets, err := r.store.PetsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load pets: %w", err)
	}
	if len(pets) == 0 {
		return &Summary{Message: "no pets on file, nothing to do"}, nil
	}

	tip, err := r.tips.GenerateText(ctx, aiAlertSystemPrompt, petPrompt(pets, r.now()))
	if err != nil {
		return nil, fmt.Errorf("generate care tip: %w", err)
	}

	notif := &store.Notification{
		ID:     uuid.New(),
		UserID: userID,
		Type:   store.NotificationAIAlert,
		Title:  "A care tip for your pets",
		Body:   tip,
	}
	if err := r.store.CreateNotification(ctx, notif); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	r.logger.Info("ai care alert created",
		zap.String("user_id", userID.String()),
		zap.Int("pets", len(pets)),
	)

	return &Summary{Message: "care alert created", NotificationsSent: 1}, nil
}

// petPrompt folds the user's pet profiles into the LLM user prompt.
func petPrompt(pets []*store.Pet, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("The owner's pets:\n")
	for _, p := range pets {
		sb.WriteString("- ")
		sb.WriteString(p.Name)
		if p.Breed != "" {
			sb.WriteString(", a " + p.Breed)
		}
		if p.Birthday != nil {
			years := now.UTC().Year() - p.Birthday.UTC().Year()
			if years > 0 {
				sb.WriteString(fmt.Sprintf(", about %d year(s) old", years))
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
