package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Lobster444/brevedu/internal/storage"
)

var coursesCmd = &cobra.Command{
	Use:   "courses",
	Short: "Manage the course catalog",
}

var coursesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List courses",
	RunE:  runCoursesList,
}

var coursesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import courses from a YAML file",
	Long: `Import courses from a YAML file. Existing courses with the same id are
overwritten.

The file holds a list of courses:

  - id: knots-101
    title: Knots
    description: Basic sailing knots
    ai_context: Teach the bowline and the clove hitch.`,
	Args: cobra.ExactArgs(1),
	RunE: runCoursesImport,
}

func init() {
	rootCmd.AddCommand(coursesCmd)
	coursesCmd.AddCommand(coursesListCmd, coursesImportCmd)
}

func runCoursesList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	courses, err := store.ListCourses(context.Background())
	if err != nil {
		return err
	}

	if len(courses) == 0 {
		fmt.Println("No courses found.")
		return nil
	}

	fmt.Printf("%-20s %-40s %s\n", "ID", "TITLE", "CONTEXT")
	fmt.Println(strings.Repeat("─", 75))
	for _, c := range courses {
		title := c.Title
		if len(title) > 38 {
			title = title[:38] + ".."
		}
		fmt.Printf("%-20s %-40s %s\n", c.ID, title, contextSource(c))
	}
	return nil
}

// contextSource names which field the conversational context would come
// from for a course.
func contextSource(c storage.Course) string {
	switch {
	case strings.TrimSpace(c.AIContext) != "":
		return "ai_context"
	case strings.TrimSpace(c.LegacyContext) != "":
		return "legacy"
	case strings.TrimSpace(c.Description) != "":
		return "description"
	default:
		return "generic"
	}
}

func runCoursesImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	var courses []storage.Course
	if err := yaml.Unmarshal(data, &courses); err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	for i := range courses {
		c := &courses[i]
		if c.ID == "" || c.Title == "" {
			return fmt.Errorf("course %d: id and title are required", i)
		}
		c.UpdatedAt = now
		if err := store.PutCourse(ctx, c); err != nil {
			return fmt.Errorf("importing %s: %w", c.ID, err)
		}
	}

	fmt.Printf("Imported %d course(s)\n", len(courses))
	return nil
}
