package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lobster444/brevedu/internal/config"
	"github.com/Lobster444/brevedu/internal/logger"
	"github.com/Lobster444/brevedu/internal/session"
	"github.com/Lobster444/brevedu/internal/settings"
	"github.com/Lobster444/brevedu/internal/storage"
	"github.com/Lobster444/brevedu/internal/storage/sqlite"
)

var (
	statusFilter string
	userFilter   string
	courseFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Manage practice sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List practice sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Force all overdue sessions to expired",
	RunE:  runSessionsExpire,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as text or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsExport,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsExpireCmd, sessionsExportCmd)

	sessionsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (confirmed, started, in_progress, completed, failed, abandoned, expired)")
	sessionsListCmd.Flags().StringVar(&userFilter, "user", "", "Filter by user id")
	sessionsListCmd.Flags().StringVar(&courseFilter, "course", "", "Filter by course id")
	sessionsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max sessions to show")

	sessionsExportCmd.Flags().StringVar(&exportFormat, "format", "text", "Export format: text or json")
	sessionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
}

func openStore() (*sqlite.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := storage.SessionListOptions{
		Status:   storage.SessionStatus(statusFilter),
		UserID:   userFilter,
		CourseID: courseFilter,
		Limit:    limitFlag,
	}

	sessions, err := store.ListSessions(context.Background(), opts)
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-12s %-20s %-20s %s\n", "ID", "STATUS", "USER", "COURSE", "UPDATED")
	fmt.Println(strings.Repeat("─", 85))

	for _, s := range sessions {
		user := s.UserID
		if len(user) > 18 {
			user = user[:18] + ".."
		}
		course := s.CourseID
		if len(course) > 18 {
			course = course[:18] + ".."
		}

		fmt.Printf("%-10s %-12s %-20s %-20s %s\n",
			s.ID[:8], s.Status, user, course, timeAgo(s.UpdatedAt))
	}

	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}
	rec, err := store.GetCompletion(ctx, sess.UserID, sess.CourseID)
	if err != nil {
		return err
	}

	fmt.Print(storage.ExportText(sess, rec))
	return nil
}

func runSessionsExpire(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := session.NewManager(session.Options{
		Store:    store,
		Resolver: settings.NewResolver(store),
		Log:      logger.NewNop(),
	})

	n, err := mgr.ExpireOverdue(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Expired %d overdue session(s)\n", n)
	return nil
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}
	rec, err := store.GetCompletion(ctx, sess.UserID, sess.CourseID)
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(sess, rec)
		if err != nil {
			return err
		}
		output = string(data)
	default:
		output = storage.ExportText(sess, rec)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
