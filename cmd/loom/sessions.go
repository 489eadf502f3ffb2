package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/journal"
	"github.com/haasonsaas/loom/internal/workspace"
	"github.com/haasonsaas/loom/pkg/models"
)

// firstPromptPreview caps the prompt excerpt in `sessions list`.
const firstPromptPreview = 48

// sessionInfo is one row of `sessions list`.
type sessionInfo struct {
	ID          string
	Project     string
	Path        string
	Modified    time.Time
	Entries     int
	FirstPrompt string
}

func runSessionsList(cmd *cobra.Command, all bool) error {
	svc, err := loadServiceConfig()
	if err != nil {
		return err
	}
	if svc.Journal.Store != config.StoreJSONL {
		// Database stores have no project scoping; --all is implied.
		return runSessionsListDB(cmd, svc)
	}

	root, err := sessionsRoot()
	if err != nil {
		return err
	}

	var projectDirs []string
	if all {
		dirEntries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
				return nil
			}
			return err
		}
		for _, de := range dirEntries {
			if de.IsDir() {
				projectDirs = append(projectDirs, filepath.Join(root, de.Name()))
			}
		}
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		projectDirs = append(projectDirs, filepath.Join(root, workspace.EncodeCwd(cwd)))
	}

	var infos []sessionInfo
	for _, dir := range projectDirs {
		files, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		project := projectLabel(filepath.Base(dir))
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			info := sessionInfo{
				ID:      strings.TrimSuffix(f.Name(), ".jsonl"),
				Project: project,
				Path:    filepath.Join(dir, f.Name()),
			}
			if fi, err := f.Info(); err == nil {
				info.Modified = fi.ModTime()
			}
			// Unreadable journals still list, without a preview.
			if entries, err := loadEntries(cmd.Context(), info.Path); err == nil {
				info.Entries = len(entries)
				info.FirstPrompt = firstPrompt(entries)
			}
			infos = append(infos, info)
		}
	}

	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Modified.After(infos[j].Modified) })

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	if all {
		fmt.Fprintln(w, "ID\tPROJECT\tMODIFIED\tENTRIES\tFIRST PROMPT")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				info.ID, info.Project, formatModified(info.Modified), info.Entries, info.FirstPrompt)
		}
	} else {
		fmt.Fprintln(w, "ID\tMODIFIED\tENTRIES\tFIRST PROMPT")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				info.ID, formatModified(info.Modified), info.Entries, info.FirstPrompt)
		}
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, id string, asJSON bool) error {
	svc, err := loadServiceConfig()
	if err != nil {
		return err
	}

	var entries []*models.SessionEntry
	var origin string
	if svc.Journal.Store != config.StoreJSONL {
		entries, err = loadDBSession(cmd.Context(), svc, id)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("unknown session %s", id)
		}
		origin = svc.Journal.Store
	} else {
		path, err := findSessionFile(id)
		if err != nil {
			return err
		}
		entries, err = loadEntries(cmd.Context(), path)
		if err != nil {
			return err
		}
		origin = path
	}

	out := cmd.OutOrStdout()
	if asJSON {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "session %s (%d entries, %s)\n\n", id, len(entries), origin)
	for _, e := range entries {
		fmt.Fprint(out, renderEntry(e))
	}
	return nil
}

// runSessionsListDB lists sessions stored in a database backend.
func runSessionsListDB(cmd *cobra.Command, svc *config.Config) error {
	summaries, err := listDBSessions(cmd.Context(), svc)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODIFIED\tENTRIES\tFIRST PROMPT")
	for _, s := range summaries {
		preview := ""
		// Previews best-effort: a session that fails to load still lists.
		if entries, err := loadDBSession(cmd.Context(), svc, s.SessionID); err == nil {
			preview = firstPrompt(entries)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			s.SessionID, formatModified(time.UnixMilli(s.LastTimestamp)), s.Entries, preview)
	}
	return w.Flush()
}

func listDBSessions(ctx context.Context, svc *config.Config) ([]journal.SessionSummary, error) {
	switch svc.Journal.Store {
	case config.StoreSQLite:
		path, err := sqlitePath(svc)
		if err != nil {
			return nil, err
		}
		return journal.ListSQLiteSessions(ctx, path)
	case config.StorePostgres:
		return journal.ListPostgresSessions(ctx, svc.Journal.DSN)
	}
	return nil, fmt.Errorf("unsupported journal store %q", svc.Journal.Store)
}

func loadDBSession(ctx context.Context, svc *config.Config, id string) ([]*models.SessionEntry, error) {
	switch svc.Journal.Store {
	case config.StoreSQLite:
		path, err := sqlitePath(svc)
		if err != nil {
			return nil, err
		}
		return journal.LoadSQLiteSession(ctx, path, id)
	case config.StorePostgres:
		return journal.LoadPostgresSession(ctx, svc.Journal.DSN, id)
	}
	return nil, fmt.Errorf("unsupported journal store %q", svc.Journal.Store)
}

// findSessionFile locates a stored journal: the current project first,
// then every project directory.
func findSessionFile(id string) (string, error) {
	root, err := sessionsRoot()
	if err != nil {
		return "", err
	}
	if cwd, err := os.Getwd(); err == nil {
		path := filepath.Join(root, workspace.EncodeCwd(cwd), id+".jsonl")
		if _, statErr := os.Stat(path); statErr == nil {
			return path, nil
		}
	}
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("unknown session %s", id)
		}
		return "", err
	}
	for _, de := range dirs {
		if !de.IsDir() {
			continue
		}
		path := filepath.Join(root, de.Name(), id+".jsonl")
		if _, statErr := os.Stat(path); statErr == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("unknown session %s", id)
}

func loadEntries(ctx context.Context, path string) ([]*models.SessionEntry, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	store, err := journal.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Load(ctx)
}

// renderEntry formats one journal entry for the transcript view.
func renderEntry(e *models.SessionEntry) string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	switch e.Type {
	case models.EntryMessage:
		msg := e.Message
		if msg == nil {
			return ""
		}
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&b, "user> %s\n", msg.Content.JoinedText())
		case models.RoleAssistant:
			for _, block := range msg.Content.BlockList() {
				switch block.Type {
				case models.BlockText:
					fmt.Fprintf(&b, "assistant> %s\n", block.Text)
				case models.BlockThinking:
					fmt.Fprintf(&b, "thinking> %s\n", block.Thinking)
				case models.BlockToolCall:
					args, _ := json.Marshal(block.Arguments)
					fmt.Fprintf(&b, "tool-call> %s(%s) [%s]\n", block.Name, args, block.ID)
				}
			}
			if msg.StopReason != "" && msg.StopReason != models.StopReasonStop && msg.StopReason != models.StopReasonToolUse {
				fmt.Fprintf(&b, "  (stopped: %s)\n", msg.StopReason)
			}
		case models.RoleToolResult:
			status := ""
			if msg.IsError {
				status = " error"
			}
			fmt.Fprintf(&b, "tool-result>%s [%s] %s\n", status, msg.ToolCallID, msg.Content.JoinedText())
		}

	case models.EntrySummary:
		if len(e.ReplacedRange) == 2 {
			fmt.Fprintf(&b, "[summary replacing %s..%s]\n%s\n", e.ReplacedRange[0], e.ReplacedRange[1], e.SummaryText)
		} else {
			fmt.Fprintf(&b, "[summary]\n%s\n", e.SummaryText)
		}

	case models.EntryModelChange:
		fmt.Fprintf(&b, "[model -> %s:%s]\n", e.Provider, e.ModelID)

	case models.EntryCustomMessage:
		if e.Display && e.Content != nil {
			fmt.Fprintf(&b, "[%s] %s\n", e.CustomType, e.Content.JoinedText())
		}
	}
	return b.String()
}

// firstPrompt extracts a short excerpt of the first user message.
func firstPrompt(entries []*models.SessionEntry) string {
	for _, e := range entries {
		if e.Type != models.EntryMessage || e.Message == nil || e.Message.Role != models.RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(e.Message.Content.JoinedText()), " ")
		if len(text) > firstPromptPreview {
			text = text[:firstPromptPreview] + "..."
		}
		return text
	}
	return ""
}

func formatModified(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

// projectLabel decodes an encoded project directory name for display.
func projectLabel(encoded string) string {
	if decoded, err := workspace.DecodeCwd(encoded); err == nil && decoded != "" {
		return decoded
	}
	return encoded
}
