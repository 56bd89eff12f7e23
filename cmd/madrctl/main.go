// Command madrctl is an interactive terminal client for the MADR API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"madr/pkg/apiclient"
)

func defaultAPIURL() string {
	if v := strings.TrimSpace(os.Getenv("MADR_API_URL")); v != "" {
		return v
	}
	return "http://localhost:8000"
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".madr"
	}
	return filepath.Join(dir, "madr")
}

func main() {
	apiURL := flag.String("api", defaultAPIURL(), "MADR API base URL (env MADR_API_URL)")
	tokenFile := flag.String("token-file", filepath.Join(defaultConfigDir(), "token"), "where the access token is kept")
	pageSize := flag.Int("page-size", 10, "rows per page")
	flag.Parse()

	session := apiclient.NewSession(apiclient.FileTokenStore{Path: *tokenFile})
	client := apiclient.New(*apiURL, session)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(complete)

	sh, err := newShell(client, os.Stdout, line, *pageSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "madrctl: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()

	if args := flag.Args(); len(args) > 0 {
		sh.exec(ctx, strings.Join(args, " "))
		return
	}

	historyPath := filepath.Join(defaultConfigDir(), "history")
	if f, err := os.Open(historyPath); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if err := os.MkdirAll(filepath.Dir(historyPath), 0o700); err != nil {
			return
		}
		if f, err := os.Create(historyPath); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Fprintf(os.Stdout, "MADR shell (%s). Type \"help\" for commands.\n", *apiURL)
	for {
		input, err := line.Prompt(sh.prompt())
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if errors.Is(err, io.EOF) || err != nil {
			fmt.Fprintln(os.Stdout)
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if sh.exec(ctx, input) {
			return
		}
	}
}

func complete(prefix string) []string {
	var out []string
	for _, c := range commandNames {
		if strings.HasPrefix(c, strings.ToLower(prefix)) {
			out = append(out, c)
		}
	}
	return out
}
