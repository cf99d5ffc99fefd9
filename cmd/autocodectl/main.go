// Command autocodectl is a small CLI against the autocoded REST API.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/autocode-io/autocode/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "tickets":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: autocodectl tickets <list|show|next|create|dispatch|close>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdTicketsList(os.Args[3:])
		case "show":
			requireArg(3, "usage: autocodectl tickets show <id>")
			cmdTicketsShow(os.Args[3])
		case "next":
			requireArg(3, "usage: autocodectl tickets next <repository-id>")
			cmdTicketsNext(os.Args[3])
		case "create":
			cmdTicketsCreate(os.Args[3:])
		case "dispatch":
			cmdTicketsDispatch(os.Args[3:])
		case "close":
			requireArg(3, "usage: autocodectl tickets close <id>")
			cmdTicketsClose(os.Args[3])
		default:
			fmt.Fprintf(os.Stderr, "unknown tickets subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "repos":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: autocodectl repos <list|add|sync|import-all>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdReposList()
		case "add":
			cmdReposAdd(os.Args[3:])
		case "sync":
			requireArg(3, "usage: autocodectl repos sync <id>")
			cmdReposSync(os.Args[3])
		case "import-all":
			cmdReposImportAll(os.Args[3:])
		default:
			fmt.Fprintf(os.Stderr, "unknown repos subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "logs":
		cmdLogs(os.Args[2:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: autocodectl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func requireArg(n int, usage string) {
	if len(os.Args) <= n {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

// --- commands ---

func cmdHealth() {
	body, err := apiDo("GET", "/api/health", nil)
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(body))
}

func cmdTicketsList(args []string) {
	fs := flag.NewFlagSet("tickets list", flag.ExitOnError)
	repo := fs.String("repository", "", "Filter by repository ID")
	status := fs.String("status", "", "Filter by status (open|in_progress|review|pending_validation|closed)")
	limit := fs.Int("limit", 50, "Max results")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *repo != "" {
		query += "&repository=" + *repo
	}
	if *status != "" {
		query += "&status=" + *status
	}

	body, err := apiDo("GET", "/api/tickets"+query, nil)
	if err != nil {
		fatal(err)
	}
	var tickets []map[string]any
	json.Unmarshal(body, &tickets)
	for _, t := range tickets {
		issue := ""
		if n, ok := t["github_issue_number"].(float64); ok && n > 0 {
			issue = fmt.Sprintf("#%d", int(n))
		}
		fmt.Printf("%-36s %-18s %-6s %s\n", t["id"], t["status"], issue, t["title"])
	}
}

func cmdTicketsShow(id string) {
	body, err := apiDo("GET", "/api/tickets/"+id, nil)
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdTicketsNext(repositoryID string) {
	body, err := apiDo("GET", "/api/tickets/repository/"+repositoryID+"/next", nil)
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdTicketsCreate(args []string) {
	fs := flag.NewFlagSet("tickets create", flag.ExitOnError)
	title := fs.String("title", "", "Ticket title (required)")
	description := fs.String("description", "", "Ticket description")
	repo := fs.String("repository", "", "Repository ID (required)")
	typ := fs.String("type", "", "Ticket type (feature|bugfix|refactor|documentation)")
	priority := fs.String("priority", "", "Priority (critical|high|medium|low)")
	fs.Parse(args)

	if *title == "" || *repo == "" {
		fmt.Fprintln(os.Stderr, "error: --title and --repository are required")
		os.Exit(1)
	}

	payload, _ := json.Marshal(map[string]string{
		"title":         *title,
		"description":   *description,
		"repository_id": *repo,
		"type":          *typ,
		"priority":      *priority,
	})
	body, err := apiDo("POST", "/api/tickets", payload)
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdTicketsDispatch(args []string) {
	fs := flag.NewFlagSet("tickets dispatch", flag.ExitOnError)
	agent := fs.String("agent", "claude", "Agent to dispatch to (claude|opencode)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: autocodectl tickets dispatch [--agent claude|opencode] <id>")
		os.Exit(1)
	}
	if *agent != "claude" && *agent != "opencode" {
		fmt.Fprintf(os.Stderr, "error: unknown agent %q\n", *agent)
		os.Exit(1)
	}

	body, err := apiDo("POST", "/api/tickets/"+fs.Arg(0)+"/develop-with-"+*agent, nil)
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdTicketsClose(id string) {
	body, err := apiDo("PUT", "/api/tickets/"+id, []byte(`{"status":"closed"}`))
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdReposList() {
	body, err := apiDo("GET", "/api/repositories", nil)
	if err != nil {
		fatal(err)
	}
	var repos []map[string]any
	json.Unmarshal(body, &repos)
	for _, r := range repos {
		fmt.Printf("%-36s %-20s %s\n", r["id"], r["name"], r["full_name"])
	}
}

func cmdReposAdd(args []string) {
	fs := flag.NewFlagSet("repos add", flag.ExitOnError)
	name := fs.String("name", "", "Display name (required)")
	fullName := fs.String("full-name", "", "GitHub owner/repo (required)")
	url := fs.String("url", "", "Repository URL")
	fs.Parse(args)

	if *name == "" || *fullName == "" {
		fmt.Fprintln(os.Stderr, "error: --name and --full-name are required")
		os.Exit(1)
	}

	payload, _ := json.Marshal(map[string]string{
		"name":      *name,
		"full_name": *fullName,
		"url":       *url,
	})
	body, err := apiDo("POST", "/api/repositories", payload)
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdReposSync(id string) {
	body, err := apiDo("GET", "/api/github-issues/sync/"+id+"?state=all", nil)
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdReposImportAll(args []string) {
	fs := flag.NewFlagSet("repos import-all", flag.ExitOnError)
	state := fs.String("state", "open", "Issue state to import (open|closed|all)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: autocodectl repos import-all [--state open|closed|all] <id>")
		os.Exit(1)
	}

	body, err := apiDo("POST", "/api/github-issues/import-all/"+fs.Arg(0)+"?state="+*state, nil)
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	limit := fs.Int("limit", 100, "Max entries")
	level := fs.String("level", "", "Minimum level (debug|info|warn|error)")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *level != "" {
		query += "&level=" + *level
	}

	body, err := apiDo("GET", "/api/logs"+query, nil)
	if err != nil {
		fatal(err)
	}
	var entries []map[string]any
	json.Unmarshal(body, &entries)
	for _, e := range entries {
		fmt.Printf("%s %-5s %s\n", e["time"], e["level"], e["message"])
	}
}

func cmdConfigValidate(path string) {
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// --- helpers ---

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func apiDo(method, path string, payload []byte) ([]byte, error) {
	base := envOr("AUTOCODE_API_URL", "http://localhost:8080")

	var reqBody io.Reader
	if payload != nil {
		reqBody = strings.NewReader(string(payload))
	}
	req, err := http.NewRequest(method, base+path, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("AUTOCODE_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("autocodectl — autocode management CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                        Check daemon health")
	fmt.Println("  tickets list                  List tickets (--repository, --status, --limit)")
	fmt.Println("  tickets show <id>             Show ticket details")
	fmt.Println("  tickets next <repo-id>        Show the next dispatchable ticket")
	fmt.Println("  tickets create                Create a ticket (--title, --repository, ...)")
	fmt.Println("  tickets dispatch <id>         Queue a ticket for an agent (--agent)")
	fmt.Println("  tickets close <id>            Close a ticket")
	fmt.Println("  repos list                    List repositories")
	fmt.Println("  repos add                     Register a repository (--name, --full-name)")
	fmt.Println("  repos sync <id>               Pull issue state from GitHub")
	fmt.Println("  repos import-all <id>         Import GitHub issues as tickets (--state)")
	fmt.Println("  logs                          Show recent daemon logs (--limit, --level)")
	fmt.Println("  config validate <path>        Validate a config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  AUTOCODE_API_URL   Daemon URL (default: http://localhost:8080)")
	fmt.Println("  AUTOCODE_API_KEY   API key for authentication")
}
