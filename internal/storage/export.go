package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportText renders a session (and its completion record, if any) as a
// human-readable report for the CLI.
func ExportText(sess *Session, rec *CompletionRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Session:       %s\n", sess.ID)
	fmt.Fprintf(&b, "User:          %s\n", sess.UserID)
	fmt.Fprintf(&b, "Course:        %s\n", sess.CourseID)
	fmt.Fprintf(&b, "Status:        %s\n", sess.Status)
	fmt.Fprintf(&b, "Confirmed:     %s\n", sess.ConfirmedAt.Format(time.RFC3339))
	if sess.StartedAt != nil {
		fmt.Fprintf(&b, "Started:       %s\n", sess.StartedAt.Format(time.RFC3339))
	}
	if sess.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed:     %s\n", sess.CompletedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Expires:       %s (ttl %ds)\n", sess.ExpiresAt.Format(time.RFC3339), sess.TTLSeconds)
	if sess.ConversationID != "" {
		fmt.Fprintf(&b, "Conversation:  %s\n", sess.ConversationID)
	}
	if sess.AccuracyScore != nil {
		fmt.Fprintf(&b, "Accuracy:      %.1f\n", *sess.AccuracyScore)
	}
	if sess.DurationSeconds != nil {
		fmt.Fprintf(&b, "Duration:      %ds\n", *sess.DurationSeconds)
	}
	if sess.Metadata.LastError != "" {
		fmt.Fprintf(&b, "Last error:    %s\n", sess.Metadata.LastError)
	}
	if sess.Metadata.RetryCount > 0 {
		fmt.Fprintf(&b, "Retries:       %d\n", sess.Metadata.RetryCount)
	}

	if rec != nil {
		b.WriteString("\nCompletion record:\n")
		fmt.Fprintf(&b, "  Completed:   %v at %s\n", rec.Completed, rec.CompletedAt.Format(time.RFC3339))
		if rec.AccuracyScore != nil {
			fmt.Fprintf(&b, "  Accuracy:    %.1f\n", *rec.AccuracyScore)
		}
	}

	return b.String()
}

// ExportJSON renders a session and its completion record as formatted JSON.
func ExportJSON(sess *Session, rec *CompletionRecord) ([]byte, error) {
	export := struct {
		Session    *Session          `json:"session"`
		Completion *CompletionRecord `json:"completion,omitempty"`
	}{
		Session:    sess,
		Completion: rec,
	}
	return json.MarshalIndent(export, "", "  ")
}
