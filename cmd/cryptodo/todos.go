package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/cryptodo/internal/client"
	"github.com/TheMichaelB/cryptodo/internal/models"
	"github.com/TheMichaelB/cryptodo/internal/services/todos"
)

const dueLayout = "2006-01-02"

var addCmd = &cobra.Command{
	Use:   "add <text...>",
	Short: "Add a to-do",
	Example: `  cryptodo add buy milk
  cryptodo add "file taxes" --priority high --due 2026-04-15`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdd,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List to-dos",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var doneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a to-do as completed",
	Long:  `Done accepts any unique prefix of an id.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDone,
}

var editCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a to-do",
	Args:  cobra.ExactArgs(1),
	RunE:  runEdit,
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a to-do",
	Args:    cobra.ExactArgs(1),
	RunE:    runRemove,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print changes made by other clients as they happen",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var (
	todoPriority string
	todoDue      string
	todoText     string
	listAll      bool
	doneUndo     bool
)

func init() {
	rootCmd.AddCommand(addCmd, listCmd, doneCmd, editCmd, rmCmd, watchCmd)

	for _, c := range []*cobra.Command{addCmd, editCmd} {
		c.Flags().StringVarP(&todoPriority, "priority", "p", "", "Priority: low, medium or high")
		c.Flags().StringVar(&todoDue, "due", "", "Due date (YYYY-MM-DD)")
	}
	editCmd.Flags().StringVarP(&todoText, "text", "t", "", "New text")
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Include completed items")
	doneCmd.Flags().BoolVar(&doneUndo, "undo", false, "Mark as not completed")
}

func parseDue(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	due, err := time.ParseInLocation(dueLayout, s, time.Local)
	if err != nil {
		return time.Time{}, models.InvalidArgument("due date must look like %s", dueLayout)
	}
	return due.UTC(), nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	due, err := parseDue(todoDue)
	if err != nil {
		return err
	}
	todo := models.Todo{
		Text:     strings.Join(args, " "),
		Priority: todoPriority,
		DueAt:    due,
	}
	if err := todo.Validate(); err != nil {
		return err
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	item, err := ws.Add(ctx, todo)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(itemJSON(*item))
		return nil
	}
	printSuccess("Added %s", color.New(color.Faint).Sprint(item.ID))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	items, err := ws.List(ctx)
	if err != nil {
		return err
	}
	sortItems(items)

	if jsonOutput {
		out := make([]map[string]interface{}, 0, len(items))
		for _, item := range items {
			out = append(out, itemJSON(item))
		}
		printJSON(out)
		return nil
	}

	shown, failed := 0, 0
	for _, item := range items {
		if item.Err != nil {
			failed++
			fmt.Printf("%s %s\n", color.RedString("?"), color.New(color.Faint).Sprintf("%s  cannot decrypt", item.ID))
			continue
		}
		if item.Todo.Completed && !listAll {
			continue
		}
		shown++
		printItem(item)
	}

	if shown == 0 && failed == 0 {
		printInfo("Nothing to do")
	}
	if failed > 0 {
		printWarning("%d item(s) could not be decrypted with this key", failed)
	}
	return nil
}

func sortItems(items []todos.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Todo, items[j].Todo
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		if a.Completed != b.Completed {
			return !a.Completed
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func printItem(item todos.Item) {
	box := "[ ]"
	text := item.Todo.Text
	if item.Todo.Completed {
		box = color.GreenString("[x]")
		text = color.New(color.Faint).Sprint(text)
	}

	var extra []string
	switch item.Todo.Priority {
	case "high":
		extra = append(extra, color.RedString("high"))
	case "medium":
		extra = append(extra, color.YellowString("medium"))
	case "low":
		extra = append(extra, "low")
	}
	if !item.Todo.DueAt.IsZero() {
		due := item.Todo.DueAt.Local().Format(dueLayout)
		if !item.Todo.Completed && item.Todo.DueAt.Before(time.Now()) {
			due = color.RedString(due)
		}
		extra = append(extra, "due "+due)
	}

	line := fmt.Sprintf("%s %s  %s", box, color.New(color.Faint).Sprint(item.ID), text)
	if len(extra) > 0 {
		line += "  (" + strings.Join(extra, ", ") + ")"
	}
	fmt.Println(line)
}

func itemJSON(item todos.Item) map[string]interface{} {
	out := map[string]interface{}{
		"id":             item.ID,
		"key_generation": item.KeyGeneration,
		"created_at":     item.CreatedAt,
		"updated_at":     item.UpdatedAt,
	}
	if item.Err != nil {
		out["error"] = item.Err.Error()
		out["code"] = models.CodeOf(item.Err)
	} else {
		out["todo"] = item.Todo
	}
	return out
}

// resolveID expands a unique id prefix.
func resolveID(ctx context.Context, ws *workspace, prefix string) (*todos.Item, error) {
	items, err := ws.List(ctx)
	if err != nil {
		return nil, err
	}

	var match *todos.Item
	for i := range items {
		if items[i].ID == prefix {
			match = &items[i]
			break
		}
		if strings.HasPrefix(items[i].ID, prefix) {
			if match != nil {
				return nil, models.InvalidArgument("id prefix %q is ambiguous", prefix)
			}
			match = &items[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("to-do %s: %w", prefix, models.ErrNotFound)
	}
	if match.Err != nil {
		return nil, match.Err
	}
	return match, nil
}

func runDone(cmd *cobra.Command, args []string) error {
	return modify(cmd.Context(), args[0], func(t *models.Todo) error {
		t.Completed = !doneUndo
		return nil
	})
}

func runEdit(cmd *cobra.Command, args []string) error {
	changed := cmd.Flags().Changed
	if !changed("text") && !changed("priority") && !changed("due") {
		return models.InvalidArgument("nothing to change; use --text, --priority or --due")
	}

	return modify(cmd.Context(), args[0], func(t *models.Todo) error {
		if changed("text") {
			t.Text = todoText
		}
		if changed("priority") {
			t.Priority = todoPriority
		}
		if changed("due") {
			due, err := parseDue(todoDue)
			if err != nil {
				return err
			}
			t.DueAt = due
		}
		return t.Validate()
	})
}

func modify(ctx context.Context, id string, fn func(*models.Todo) error) error {
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	item, err := resolveID(ctx, ws, id)
	if err != nil {
		return err
	}

	todo := *item.Todo
	if err := fn(&todo); err != nil {
		return err
	}

	updated, err := ws.Update(ctx, item.ID, todo)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(itemJSON(*updated))
		return nil
	}
	printItem(*updated)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	item, err := resolveID(ctx, ws, args[0])
	if err != nil {
		return err
	}
	if err := ws.Delete(ctx, item.ID); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "id": item.ID})
		return nil
	}
	printSuccess("Deleted %q", item.Todo.Text)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if localMode {
		return models.InvalidArgument("watch needs a server")
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	c, err := client.New(cfg, logger)
	if err != nil {
		return err
	}
	stream, err := c.Watch(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	if !jsonOutput {
		printInfo("Watching for changes (Ctrl-C to stop)")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-stream.Errors():
			return err
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			reportWatchEvent(ctx, ws, ev)
		}
	}
}

func reportWatchEvent(ctx context.Context, ws *workspace, ev models.WatchEvent) {
	if jsonOutput {
		printJSON(ev)
		return
	}

	stamp := ev.At.Local().Format("15:04:05")
	switch ev.Op {
	case models.WatchOpPut:
		item, err := ws.Get(ctx, ev.RecordID)
		if err != nil {
			fmt.Printf("%s %s %s\n", stamp, color.YellowString("changed"), ev.RecordID)
			return
		}
		fmt.Printf("%s %s ", stamp, color.GreenString("changed"))
		printItem(*item)
	case models.WatchOpDelete:
		fmt.Printf("%s %s %s\n", stamp, color.RedString("deleted"), ev.RecordID)
	case models.WatchOpRotated:
		if err := ws.Refresh(ctx); err != nil {
			logger.WithError(err).Warn("Refresh key material")
		}
		fmt.Printf("%s %s generation %d\n", stamp, color.CyanString("rotated"), ev.KeyGeneration)
	}
}
