package settings

import (
	"context"
	"strings"
	"testing"

	"github.com/Lobster444/brevedu/internal/errs"
	"github.com/Lobster444/brevedu/internal/storage"
	"github.com/Lobster444/brevedu/internal/storage/sqlite"
)

func testResolver(t *testing.T) (*Resolver, storage.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewResolver(store), store
}

func TestProviderSettingsMissing(t *testing.T) {
	r, _ := testResolver(t)

	_, err := r.ProviderSettings(context.Background())
	if !errs.IsCode(err, errs.CodeConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestProviderSettingsDisabled(t *testing.T) {
	r, store := testResolver(t)
	store.PutSettings(context.Background(), &storage.ProviderSettings{
		ReplicaID: "r1", PersonaID: "p1", APIKey: "k1", Enabled: false,
	})

	_, err := r.ProviderSettings(context.Background())
	if !errs.IsCode(err, errs.CodeConfig) {
		t.Errorf("expected config error for disabled feature, got %v", err)
	}
}

func TestProviderSettingsBlankCredential(t *testing.T) {
	r, store := testResolver(t)
	store.PutSettings(context.Background(), &storage.ProviderSettings{
		ReplicaID: "r1", PersonaID: "   ", APIKey: "k1", Enabled: true,
	})

	_, err := r.ProviderSettings(context.Background())
	if !errs.IsCode(err, errs.CodeConfig) {
		t.Errorf("expected config error for blank persona, got %v", err)
	}
}

func TestProviderSettingsTrimmed(t *testing.T) {
	r, store := testResolver(t)
	store.PutSettings(context.Background(), &storage.ProviderSettings{
		ReplicaID: " r1 ", PersonaID: "\tp1\n", APIKey: " k1 ", Enabled: true,
	})

	got, err := r.ProviderSettings(context.Background())
	if err != nil {
		t.Fatalf("ProviderSettings: %v", err)
	}
	if got.ReplicaID != "r1" || got.PersonaID != "p1" || got.APIKey != "k1" {
		t.Errorf("settings not trimmed: %+v", got)
	}
}

func TestCourseContextPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		course storage.Course
		want   string
	}{
		{
			name: "explicit ai context wins",
			course: storage.Course{
				ID: "c1", Title: "T", AIContext: "explicit",
				LegacyContext: "legacy", Description: "desc",
			},
			want: "explicit",
		},
		{
			name: "legacy context second",
			course: storage.Course{
				ID: "c1", Title: "T", LegacyContext: "legacy", Description: "desc",
			},
			want: "legacy",
		},
		{
			name:   "description third",
			course: storage.Course{ID: "c1", Title: "T", Description: "desc"},
			want:   "desc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := testResolver(t)
			store.PutCourse(context.Background(), &tt.course)

			got, err := r.CourseContext(context.Background(), "c1")
			if err != nil {
				t.Fatalf("CourseContext: %v", err)
			}
			if got != tt.want {
				t.Errorf("context = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCourseContextSynthesizedFallback(t *testing.T) {
	r, store := testResolver(t)
	store.PutCourse(context.Background(), &storage.Course{
		ID: "c1", Title: "Spanish Basics", Description: "   ",
	})

	got, err := r.CourseContext(context.Background(), "c1")
	if err != nil {
		t.Fatalf("CourseContext: %v", err)
	}
	if !strings.Contains(got, "Spanish Basics") {
		t.Errorf("fallback %q should reference the course title", got)
	}
}

func TestCourseContextNotFound(t *testing.T) {
	r, _ := testResolver(t)

	_, err := r.CourseContext(context.Background(), "missing")
	if !errs.IsCode(err, errs.CodeConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestCourseContextTruncated(t *testing.T) {
	r, store := testResolver(t)
	long := strings.Repeat("x", MaxContextLength+500)
	store.PutCourse(context.Background(), &storage.Course{
		ID: "c1", Title: "T", AIContext: long,
	})

	got, err := r.CourseContext(context.Background(), "c1")
	if err != nil {
		t.Fatalf("CourseContext: %v", err)
	}
	if len([]rune(got)) != MaxContextLength {
		t.Errorf("length = %d, want %d", len([]rune(got)), MaxContextLength)
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncated context should end with ellipsis")
	}
}
