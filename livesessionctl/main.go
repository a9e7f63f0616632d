package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"codecook.com/livesession"
)

const LiveSessionCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Live session control.

The default urls are:
    api_url: https://api.codecook.com

Usage:
    livesessionctl watch [--api_url=<api_url>] --repo=<repo>
        [--token=<token>]
        [--interval=<interval>]
    livesessionctl commits [--api_url=<api_url>] --repo=<repo>
        [--token=<token>]
        [--count=<count>]
    livesessionctl export --title=<title> --blocks=<blocks_file>
        [--url=<url>]
    livesessionctl chat-tail --feed_url=<feed_url> --session_id=<session_id>
        [--token=<token>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --feed_url=<feed_url>      Websocket url of the change feed.
    --repo=<repo>              owner/name of the repository to watch.
    --token=<token>            Bearer token. Prompted when omitted.
    --interval=<interval>      Poll interval in seconds [default: 20].
    --count=<count>            Number of commits to list [default: 30].
    --title=<title>            Session title for the export.
    --blocks=<blocks_file>     Path to the stored blocks json.
    --url=<url>                Public session url for the attribution footer.
    --session_id=<session_id>  Session id to tail.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LiveSessionCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if commits_, _ := opts.Bool("commits"); commits_ {
		commits(opts)
	} else if export_, _ := opts.Bool("export"); export_ {
		export(opts)
	} else if chatTail_, _ := opts.Bool("chat-tail"); chatTail_ {
		chatTail(opts)
	}
}

func tokenSource(opts docopt.Opts) livesession.TokenSource {
	token, _ := opts.String("--token")
	if token == "" {
		fmt.Print("Token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			Err.Fatalf("Could not read token (%s).", err)
		}
		token = string(tokenBytes)
	}
	return livesession.StaticTokenSource(token)
}

// watch a repository and print commits as the poll loop discovers them
func watch(opts docopt.Opts) {
	apiUrl, _ := opts.String("--api_url")
	repo, _ := opts.String("--repo")

	settings := livesession.DefaultCommitWatcherSettings()
	if interval, err := opts.Int("--interval"); err == nil && 0 < interval {
		settings.PollInterval = time.Duration(interval) * time.Second
	}

	if apiUrl == "" {
		apiUrl = "https://api.codecook.com"
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := livesession.NewCommitSourceWithDefaults(cancelCtx, apiUrl, tokenSource(opts))
	defer source.Close()

	watcher := livesession.NewCommitWatcher(cancelCtx, source, repo, settings)
	defer watcher.Close()

	unsubscribe := watcher.AddEventCallback(func(state livesession.WatcherState, commit *livesession.Commit, files []*livesession.FileChange) {
		if commit == nil {
			Out.Printf("[%s]", state)
			return
		}
		Out.Printf("[%s] %s %s", state, commit.Sha, commit.Message)
		for _, file := range files {
			Out.Printf("    %s +%d -%d", file.Filename, file.Additions, file.Deletions)
		}
	})
	defer unsubscribe()

	watcher.SetListening(true)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// list recent commits from the commit browser
func commits(opts docopt.Opts) {
	apiUrl, _ := opts.String("--api_url")
	repo, _ := opts.String("--repo")

	count, err := opts.Int("--count")
	if err != nil || count <= 0 {
		count = 30
	}

	if apiUrl == "" {
		apiUrl = "https://api.codecook.com"
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := livesession.NewCommitSourceWithDefaults(cancelCtx, apiUrl, tokenSource(opts))
	defer source.Close()

	commits, err := source.Commits(cancelCtx, repo, 1, count)
	if err != nil {
		Err.Fatalf("Could not list commits (%s).", err)
	}
	for _, commit := range commits {
		Out.Printf("%s %s %s", commit.Sha, commit.AuthoredAt.Format(time.RFC3339), commit.Message)
	}
}

// render a stored block list to markdown on stdout
func export(opts docopt.Opts) {
	title, _ := opts.String("--title")
	blocksFile, _ := opts.String("--blocks")
	sessionUrl, _ := opts.String("--url")

	blocksBytes, err := os.ReadFile(blocksFile)
	if err != nil {
		Err.Fatalf("Could not read blocks (%s).", err)
	}
	blocks := livesession.DecodeBlocks(blocksBytes)

	Out.Print(livesession.ExportMarkdown(title, blocks, sessionUrl))
}

// tail the chat of a session over the push feed
func chatTail(opts docopt.Opts) {
	feedUrl, _ := opts.String("--feed_url")
	sessionIdStr, _ := opts.String("--session_id")

	sessionId, err := livesession.ParseId(sessionIdStr)
	if err != nil {
		Err.Fatalf("Invalid session_id (%s).", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feedClient := livesession.NewFeedClientWithDefaults(cancelCtx, feedUrl, tokenSource(opts), sessionId)
	defer feedClient.Close()

	unsubscribe := feedClient.Subscribe(sessionId, func(event *livesession.FeedEvent) {
		switch event.Type {
		case livesession.FeedEventTypeMessageInsert:
			message := event.Message
			Out.Printf("%s <%s> %s", message.CreatedAt.Format(time.RFC3339), message.AuthorName, message.Content)
		case livesession.FeedEventTypeSessionUpdate:
			session := event.Session
			Out.Printf("session live=%t chat=%t", session.IsLive, session.ChatEnabled)
		}
	})
	defer unsubscribe()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
