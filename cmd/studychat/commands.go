package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/studychat/internal/config"
)

func userPath(uid string, parts ...string) string {
	p := "/users/" + url.PathEscape(uid)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <user-id> <message>",
	Short: "Send a chat message as a user and stream the answer",
	Long: `Send a chat message as a user and stream the answer.

Examples:
  studychat ask alice "Explain the Krebs cycle"
  studychat ask alice --chat 0192f0c4-... "And how much ATP does it make?"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := args[0]
		message := strings.Join(args[1:], " ")
		chatID, _ := cmd.Flags().GetString("chat")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{"message": message}
		if chatID != "" {
			body["chat_id"] = chatID
		}
		done, err := client.streamChat(cmd.Context(), userPath(uid, "chat"), body, func(delta string) {
			fmt.Fprint(os.Stdout, delta)
		})
		fmt.Fprintln(os.Stdout)
		if err != nil {
			return err
		}

		if cached, _ := done["cached"].(bool); cached {
			printStatus("Source", "cache (similarity %.2f)", done["similarity"])
		}
		if q, ok := done["quota"].(map[string]any); ok {
			printStatus("Remaining", "%v (resets in %v)", q["remaining"], q["resets_in"])
		}
		printStatus("Chat", "%v", done["chat_id"])
		return nil
	},
}

func init() {
	askCmd.Flags().String("chat", "", "continue an existing chat")
}

// --- quota ---

type quotaRecord struct {
	UserID   string `json:"user_id"`
	Count    int    `json:"count"`
	ResetsIn string `json:"resets_in"`
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and reset user quotas",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's remaining answers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), userPath(args[0], "quota"))
		if err != nil {
			return err
		}
		var st struct {
			Count     int    `json:"count"`
			Allowed   bool   `json:"allowed"`
			Remaining int    `json:"remaining"`
			ResetsIn  string `json:"resets_in"`
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStatus("Used", "%d", st.Count)
		printStatus("Remaining", "%d", st.Remaining)
		printStatus("Resets in", "%s", st.ResetsIn)
		if !st.Allowed {
			printWarning("%s has reached the limit", args[0])
		}
		return nil
	},
}

var quotaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked users",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/admin/quotas")
		if err != nil {
			return err
		}
		var records []quotaRecord
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No quota records.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s  %d used  resets in %s\n", colorize(colorCyan, r.UserID), r.Count, r.ResetsIn)
		}
		return nil
	},
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset <user-id>",
	Short: "Start a fresh quota window for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/admin/quotas/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := expectNoContent(resp); err != nil {
			return err
		}
		printSuccess("Quota reset for %s", args[0])
		return nil
	},
}

func init() {
	quotaCmd.AddCommand(quotaShowCmd, quotaListCmd, quotaResetCmd)
}

// --- guidelines ---

type guideline struct {
	ID       string   `json:"id,omitempty"`
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
}

var guidelinesCmd = &cobra.Command{
	Use:   "guidelines",
	Short: "Manage the guidelines knowledge base",
}

var guidelinesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List guidelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/admin/guidelines")
		if err != nil {
			return err
		}
		var docs []guideline
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("No guidelines found.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %s  [%s]\n", colorize(colorCyan, d.ID), d.Title, d.Category)
		}
		return nil
	},
}

var guidelinesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a guideline",
	Long: `Add a guideline.

Examples:
  studychat guidelines add --title "Citing sources" --category Writing \
    --content "Always cite the original author." --keywords citation,plagiarism
  studychat guidelines add --title "Lab safety" --file ./lab-safety.md`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		category, _ := cmd.Flags().GetString("category")
		content, _ := cmd.Flags().GetString("content")
		file, _ := cmd.Flags().GetString("file")
		keywords, _ := cmd.Flags().GetString("keywords")

		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			content = string(data)
		}
		if title == "" || content == "" {
			return fmt.Errorf("--title and one of --content or --file are required")
		}

		doc := guideline{Title: title, Category: category, Content: content, Keywords: splitList(keywords)}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/admin/guidelines", doc)
		if err != nil {
			return err
		}
		var saved guideline
		if err := decodeJSON(resp, &saved); err != nil {
			return err
		}
		printSuccess("Added guideline %s", saved.ID)
		return nil
	},
}

var guidelinesUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a guideline; omitted flags keep their current value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/admin/guidelines")
		if err != nil {
			return err
		}
		var docs []guideline
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		var doc *guideline
		for i := range docs {
			if docs[i].ID == id {
				doc = &docs[i]
				break
			}
		}
		if doc == nil {
			return fmt.Errorf("guideline %s not found", id)
		}

		flags := cmd.Flags()
		if flags.Changed("title") {
			doc.Title, _ = flags.GetString("title")
		}
		if flags.Changed("category") {
			doc.Category, _ = flags.GetString("category")
		}
		if flags.Changed("content") {
			doc.Content, _ = flags.GetString("content")
		}
		if file, _ := flags.GetString("file"); file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			doc.Content = string(data)
		}
		if flags.Changed("keywords") {
			kw, _ := flags.GetString("keywords")
			doc.Keywords = splitList(kw)
		}

		resp, err = client.put(cmd.Context(), "/admin/guidelines/"+url.PathEscape(id), doc)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, doc); err != nil {
			return err
		}
		printSuccess("Updated guideline %s", id)
		return nil
	},
}

var guidelinesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a guideline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/admin/guidelines/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := expectNoContent(resp); err != nil {
			return err
		}
		printSuccess("Deleted guideline %s", args[0])
		return nil
	},
}

var guidelinesSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over the guidelines",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), searchPath(query, limit))
		if err != nil {
			return err
		}
		var results []struct {
			Similarity float64   `json:"similarity"`
			Guideline  guideline `json:"guideline"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for i, r := range results {
			fmt.Printf("\n%s [similarity: %.3f]\n", colorize(colorBold, fmt.Sprintf("%d. %s", i+1, r.Guideline.Title)), r.Similarity)
			if r.Guideline.Category != "" {
				fmt.Printf("  Category: %s\n", r.Guideline.Category)
			}
			fmt.Printf("  %s\n", truncate(r.Guideline.Content, 500))
		}
		return nil
	},
}

var guidelinesStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the guidelines index status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/admin/guidelines/status")
		if err != nil {
			return err
		}
		var st map[string]any
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		return printJSON(st)
	},
}

var guidelinesRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-embed every guideline and rebuild the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Rebuilding guidelines index...")
		resp, err := client.post(cmd.Context(), "/admin/guidelines/rebuild", nil)
		if err != nil {
			return err
		}
		var result struct {
			Built  bool `json:"built"`
			Status struct {
				Count int `json:"count"`
			} `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if !result.Built {
			printWarning("Index is empty")
			return nil
		}
		printSuccess("Indexed %d guidelines", result.Status.Count)
		return nil
	},
}

func init() {
	guidelinesAddCmd.Flags().String("title", "", "guideline title")
	guidelinesAddCmd.Flags().String("category", "", "guideline category")
	guidelinesAddCmd.Flags().String("content", "", "guideline text")
	guidelinesAddCmd.Flags().String("file", "", "read the guideline text from a file")
	guidelinesAddCmd.Flags().String("keywords", "", "comma-separated keywords")
	guidelinesUpdateCmd.Flags().String("title", "", "guideline title")
	guidelinesUpdateCmd.Flags().String("category", "", "guideline category")
	guidelinesUpdateCmd.Flags().String("content", "", "guideline text")
	guidelinesUpdateCmd.Flags().String("file", "", "read the guideline text from a file")
	guidelinesUpdateCmd.Flags().String("keywords", "", "comma-separated keywords")
	guidelinesSearchCmd.Flags().Int("limit", 3, "maximum number of results")

	guidelinesCmd.AddCommand(guidelinesListCmd, guidelinesAddCmd, guidelinesUpdateCmd, guidelinesDeleteCmd,
		guidelinesSearchCmd, guidelinesStatusCmd, guidelinesRebuildCmd)
}

func searchPath(query string, limit int) string {
	params := url.Values{"q": {query}, "k": {strconv.Itoa(limit)}}
	return "/admin/guidelines/search?" + params.Encode()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain a user's semantic cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats <user-id>",
	Short: "Show cache statistics for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), userPath(args[0], "cache"))
		if err != nil {
			return err
		}
		var stats struct {
			Entries   int    `json:"entries"`
			TotalHits int    `json:"total_hits"`
			Oldest    string `json:"oldest"`
			Newest    string `json:"newest"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		printStatus("Entries", "%d", stats.Entries)
		printStatus("Total hits", "%d", stats.TotalHits)
		if stats.Oldest != "" {
			printStatus("Oldest", "%s", stats.Oldest)
			printStatus("Newest", "%s", stats.Newest)
		}
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune <user-id>",
	Short: "Remove old, rarely hit cache entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), userPath(args[0], "cache", "prune"), nil)
		if err != nil {
			return err
		}
		var result struct {
			Removed int `json:"removed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Removed %d entries", result.Removed)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <user-id>",
	Short: "Delete every cache entry for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete all cached answers for %s. Use --confirm to proceed.", args[0])
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), userPath(args[0], "cache"))
		if err != nil {
			return err
		}
		if err := expectNoContent(resp); err != nil {
			return err
		}
		printSuccess("Cache cleared for %s", args[0])
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().Bool("confirm", false, "confirm deletion")
	cacheCmd.AddCommand(cacheStatsCmd, cachePruneCmd, cacheClearCmd)
}

// --- chats ---

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Browse a user's chat history",
}

var chatsListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List a user's chats, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), userPath(args[0], "chats"))
		if err != nil {
			return err
		}
		var chats []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			UpdatedAt string `json:"updated_at"`
		}
		if err := decodeJSON(resp, &chats); err != nil {
			return err
		}
		if len(chats) == 0 {
			fmt.Println("No chats found.")
			return nil
		}
		for _, c := range chats {
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, c.ID), c.UpdatedAt, truncate(c.Title, 80))
		}
		return nil
	},
}

var chatsShowCmd = &cobra.Command{
	Use:   "show <user-id> <chat-id>",
	Short: "Print the messages of a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), userPath(args[0], "chats", url.PathEscape(args[1]), "messages"))
		if err != nil {
			return err
		}
		var msgs []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
			Cached  bool   `json:"cached"`
		}
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}
		for _, m := range msgs {
			label := m.Role
			if m.Cached {
				label += " (cached)"
			}
			fmt.Printf("%s\n%s\n\n", colorize(colorBold, label), m.Content)
		}
		return nil
	},
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <user-id> [chat-id]",
	Short: "Delete one chat, or all chats with --all",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if len(args) == 1 && !all {
			return fmt.Errorf("a chat id or --all is required")
		}
		path := userPath(args[0], "chats")
		if len(args) == 2 {
			path += "/" + url.PathEscape(args[1])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		if err := expectNoContent(resp); err != nil {
			return err
		}
		printSuccess("Deleted")
		return nil
	},
}

func init() {
	chatsDeleteCmd.Flags().Bool("all", false, "delete every chat of the user")
	chatsCmd.AddCommand(chatsListCmd, chatsShowCmd, chatsDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
