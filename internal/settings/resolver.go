// Package settings resolves administrator-configured provider credentials
// and per-course conversational context. Both are validated here, before any
// remote call is attempted; nothing downstream sees untrimmed or partial
// configuration.
package settings

import (
	"context"
	"fmt"
	"strings"

	"github.com/Lobster444/brevedu/internal/errs"
	"github.com/Lobster444/brevedu/internal/storage"
)

// MaxContextLength caps the conversational context sent to the provider.
const MaxContextLength = 1000

// Resolver reads settings and course records live from the store on every
// call, so an admin update takes effect on the next session without a
// restart.
type Resolver struct {
	store storage.Store
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store storage.Store) *Resolver {
	return &Resolver{store: store}
}

// ProviderSettings returns the validated, trimmed provider credentials.
// It fails with a config error when the record is missing, the feature is
// disabled, or any credential field is empty after trimming.
func (r *Resolver) ProviderSettings(ctx context.Context) (*storage.ProviderSettings, error) {
	ps, err := r.store.GetSettings(ctx)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errs.Config("provider settings not configured")
		}
		return nil, fmt.Errorf("fetching provider settings: %w", err)
	}

	if !ps.Enabled {
		return nil, errs.Config("AI practice sessions are disabled")
	}

	trimmed := &storage.ProviderSettings{
		ReplicaID: strings.TrimSpace(ps.ReplicaID),
		PersonaID: strings.TrimSpace(ps.PersonaID),
		APIKey:    strings.TrimSpace(ps.APIKey),
		Enabled:   ps.Enabled,
		UpdatedAt: ps.UpdatedAt,
	}
	var missing []string
	if trimmed.ReplicaID == "" {
		missing = append(missing, "replica_id")
	}
	if trimmed.PersonaID == "" {
		missing = append(missing, "persona_id")
	}
	if trimmed.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if len(missing) > 0 {
		return nil, errs.Config("provider settings incomplete").
			WithDetail("missing", missing)
	}
	return trimmed, nil
}

// CourseContext returns the conversational context for a course: the first
// non-empty of the explicit AI context, the legacy context field, and the
// course description, falling back to a synthesized generic prompt built
// from the course title. The result is truncated to MaxContextLength.
func (r *Resolver) CourseContext(ctx context.Context, courseID string) (string, error) {
	course, err := r.store.GetCourse(ctx, courseID)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", errs.Config("course not found: %s", courseID)
		}
		return "", fmt.Errorf("fetching course: %w", err)
	}

	for _, candidate := range []string{course.AIContext, course.LegacyContext, course.Description} {
		if c := strings.TrimSpace(candidate); c != "" {
			return Truncate(c), nil
		}
	}
	return Truncate(genericPrompt(course.Title)), nil
}

// Truncate shortens s to MaxContextLength runes, marking the cut with an
// ellipsis.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxContextLength {
		return s
	}
	return string(runes[:MaxContextLength-3]) + "..."
}

func genericPrompt(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "this course"
	}
	return fmt.Sprintf(
		"You are a friendly tutor helping a learner practice the material from %q. "+
			"Ask short questions about the key ideas of the lesson, give encouraging "+
			"feedback, and keep the conversation focused on the course content.", title)
}
