package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/time/rate"

	"ytarchiver/internal/config"
	"ytarchiver/internal/invoker"
	"ytarchiver/internal/job"
	"ytarchiver/internal/queue"
	"ytarchiver/internal/watch"
	"ytarchiver/internal/watchlist"
	"ytarchiver/internal/web"
	"ytarchiver/internal/youtube"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "channel":
		cmdArchive(job.KindChannel, args)
	case "shorts":
		cmdArchive(job.KindShorts, args)
	case "video":
		cmdArchive(job.KindVideo, args)
	case "watch":
		cmdWatch(args)
	case "serve":
		cmdServe(args)
	case "watchlist":
		cmdWatchlist(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ytarchiver - YouTube channel archiver

Usage:
  ytarchiver channel [flags] <handle>...    Archive entire channels
  ytarchiver shorts [flags] <handle>...     Archive channel Shorts feeds
  ytarchiver video [flags] <id-or-url>...   Archive individual videos
  ytarchiver watch [flags]                  Poll the watchlist and archive new uploads
  ytarchiver serve [flags]                  Run the HTTP API (optionally with --watch)
  ytarchiver watchlist <add|remove|list>    Manage watched channels
  ytarchiver help                           Show this help message

Examples:
  ytarchiver channel @veritasium                      # Archive a whole channel
  ytarchiver video dQw4w9WgXcQ --subs                 # One video with subtitles
  ytarchiver watchlist add @veritasium --mode video   # Watch for new uploads
  ytarchiver watch                                    # Run the watch daemon
  ytarchiver serve --watch                            # API server plus daemon

For help on specific command: ytarchiver <command> -h
`)
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newInvoker(cfg *config.Config) *invoker.YtdlpInvoker {
	inv := invoker.NewYtdlpInvoker()
	inv.Path = cfg.YtdlpPath
	inv.Timeout = cfg.YtdlpTimeout
	return inv
}

// cmdArchive is the one-shot batch mode shared by channel, shorts and video:
// enqueue one job per argument, close the queue and drain it.
func cmdArchive(kind job.Kind, args []string) {
	fs := flag.NewFlagSet(string(kind), flag.ExitOnError)
	outputDir := fs.String("dir", "", "Output directory (default from config)")
	subs := fs.Bool("subs", false, "Download subtitles")
	noCache := fs.Bool("no-cache", false, "Ignore the download archive, re-download everything")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ytarchiver %s [flags] <target>...\n\nFlags:\n", kind)
		fs.PrintDefaults()
	}
	fs.Parse(args)

	targets := fs.Args()
	if len(targets) == 0 {
		fmt.Fprintf(os.Stderr, "Error: missing target\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()

	opts := job.Options{
		OutputDir: *outputDir,
		Subtitles: *subs,
		NoCache:   *noCache,
	}
	if opts.OutputDir == "" {
		opts.OutputDir = cfg.OutputDir
	}

	ctx, cancel := signalContext()
	defer cancel()

	q := queue.New()
	for _, target := range targets {
		j, err := job.New(kind, []string{target}, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if cfg.LogDir != "" {
			j.Options.LogFile = filepath.Join(cfg.LogDir, j.ID+".log")
			j.LogFile = j.Options.LogFile
		}
		if _, err := q.Enqueue(j); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	q.Close()

	if err := q.Run(ctx, newInvoker(cfg)); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	failed := 0
	for _, j := range q.List() {
		if j.Status != job.StatusSucceeded {
			failed++
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", j.Kind, j.Targets[0], j.Status)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// buildLister selects the channel listing implementation: Data API when an
// API key is configured, yt-dlp otherwise, with yt-dlp as the API fallback.
func buildLister(cfg *config.Config) youtube.ChannelLister {
	ytdlp := youtube.NewYtdlpLister()
	ytdlp.Path = cfg.YtdlpPath

	if cfg.APIKey == "" {
		return ytdlp
	}

	api, err := youtube.NewAPILister(cfg.APIKey, 100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Data API unavailable (%v), using yt-dlp\n", err)
		return ytdlp
	}
	api.SetFallbackLister(ytdlp)
	return api
}

func openWatchlist(cfg *config.Config) *watchlist.Store {
	store, err := watchlist.Open(cfg.WatchlistPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening watchlist: %v\n", err)
		os.Exit(1)
	}
	return store
}

func newDaemon(cfg *config.Config, store *watchlist.Store, q *queue.Queue) *watch.Daemon {
	d := watch.New(store, buildLister(cfg), q)
	d.Interval = cfg.PollInterval
	d.BatchSize = cfg.BatchSize
	d.Limiter = rate.NewLimiter(rate.Limit(cfg.ListingRPS), 1)
	d.OutputDir = cfg.OutputDir
	d.LogDir = cfg.LogDir
	return d
}

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	once := fs.Bool("once", false, "Poll one batch and exit instead of running forever")
	pollInterval := fs.Duration("poll-interval", 0, "Interval between poll cycles (default from config)")
	batchSize := fs.Int("batch-size", 0, "Channels polled per cycle (default from config)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ytarchiver watch [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	cfg := loadConfig()
	if *pollInterval > 0 {
		cfg.PollInterval = *pollInterval
	}
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}

	store := openWatchlist(cfg)
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	q := queue.New()
	daemon := newDaemon(cfg, store, q)

	if *once {
		daemon.PollOnce(ctx)
		q.Close()
		if err := q.Run(ctx, newInvoker(cfg)); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	errCh := make(chan error, 2)
	go func() { errCh <- q.Run(ctx, newInvoker(cfg)) }()
	go func() { errCh <- daemon.Run(ctx) }()

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "Listen address (default from config)")
	withWatch := fs.Bool("watch", false, "Also run the watch daemon")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ytarchiver serve [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	cfg := loadConfig()
	if *addr == "" {
		*addr = cfg.ListenAddr
	}

	store := openWatchlist(cfg)
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	q := queue.New()

	server := web.NewServer(q, store)
	server.OutputDir = cfg.OutputDir
	server.LogDir = cfg.LogDir

	errCh := make(chan error, 3)
	go func() { errCh <- q.Run(ctx, newInvoker(cfg)) }()
	go func() { errCh <- server.ListenAndServe(*addr) }()
	if *withWatch {
		daemon := newDaemon(cfg, store, q)
		go func() { errCh <- daemon.Run(ctx) }()
	}

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdWatchlist(args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: ytarchiver watchlist <add|remove|list> [flags]\n")
		os.Exit(1)
	}

	switch args[0] {
	case "add":
		cmdWatchlistAdd(args[1:])
	case "remove":
		cmdWatchlistRemove(args[1:])
	case "list":
		cmdWatchlistList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown watchlist command %q\n", args[0])
		os.Exit(1)
	}
}

func cmdWatchlistAdd(args []string) {
	fs := flag.NewFlagSet("watchlist add", flag.ExitOnError)
	mode := fs.String("mode", "video", "Archive mode: video, channel, or shorts")
	subs := fs.Bool("subs", false, "Download subtitles for this channel")
	outputDir := fs.String("dir", "", "Output directory override for this channel")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ytarchiver watchlist add [flags] <handle>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Error: missing handle\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	store := openWatchlist(cfg)
	defer store.Close()

	entry := &watchlist.Entry{
		Handle:    fs.Arg(0),
		Mode:      watchlist.Mode(*mode),
		Subtitles: *subs,
		OutputDir: *outputDir,
	}
	if err := store.Add(entry); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Watching %s (mode: %s)\n", entry.Handle, entry.Mode)
}

func cmdWatchlistRemove(args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: ytarchiver watchlist remove <handle>\n")
		os.Exit(1)
	}

	cfg := loadConfig()
	store := openWatchlist(cfg)
	defer store.Close()

	if err := store.Remove(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Stopped watching %s\n", watchlist.NormalizeHandle(args[0]))
}

func cmdWatchlistList(args []string) {
	cfg := loadConfig()
	store := openWatchlist(cfg)
	defer store.Close()

	entries := store.List()
	if len(entries) == 0 {
		fmt.Println("No watched channels.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HANDLE\tMODE\tLAST SEEN\tLAST CHECKED")
	for _, e := range entries {
		lastSeen := "-"
		if e.LastSeenVideoID != "" {
			lastSeen = fmt.Sprintf("%s (%s)", e.LastSeenVideoID,
				e.LastSeenPublished.Format("2006-01-02"))
		}
		lastChecked := "-"
		if !e.LastCheckedAt.IsZero() {
			lastChecked = formatAgo(e.LastCheckedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Handle, e.Mode, lastSeen, lastChecked)
	}
	w.Flush()
}

// formatAgo renders a past time as a relative duration.
func formatAgo(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
