package invoker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ytarchiver/internal/job"
)

const (
	defaultYtdlpPath    = "yt-dlp"
	defaultYtdlpTimeout = 2 * time.Hour
	archiveFileName     = "downloaded.txt"
)

// YtdlpInvoker implements Invoker by shelling out to yt-dlp.
// Each Download call runs one yt-dlp process for one target; the process's
// output is captured to the job's log file and scanned line by line for
// progress reports.
type YtdlpInvoker struct {
	// Path is the path to the yt-dlp executable. Defaults to "yt-dlp".
	Path string

	// Timeout is the maximum time for a single target. Defaults to 2 hours.
	Timeout time.Duration

	// ExtraArgs are additional arguments to pass to yt-dlp.
	ExtraArgs []string
}

// NewYtdlpInvoker creates an invoker with defaults.
func NewYtdlpInvoker() *YtdlpInvoker {
	return &YtdlpInvoker{
		Path:    defaultYtdlpPath,
		Timeout: defaultYtdlpTimeout,
	}
}

// Download archives one target via yt-dlp.
func (y *YtdlpInvoker) Download(ctx context.Context, kind job.Kind, target string, opts job.Options, sink Sink) error {
	if err := y.checkInstalled(ctx); err != nil {
		return err
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = "yt"
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	args := y.buildArgs(kind, target, opts, outputDir)

	timeout := y.Timeout
	if timeout == 0 {
		timeout = defaultYtdlpTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, y.path(), args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	logWriter, closeLog, err := openLogFile(opts.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start yt-dlp: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(logWriter, line)
		if ev, ok := ParseProgressLine(line); ok && sink != nil {
			ev.URL = TargetURL(kind, target)
			sink(ev)
		}
	}

	if err := cmd.Wait(); err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return &TargetError{Target: target, Err: fmt.Errorf("%w: timed out", ErrDownloadFailed)}
		}
		if cmdCtx.Err() == context.Canceled {
			return &TargetError{Target: target, Err: context.Canceled}
		}
		return &TargetError{Target: target, Err: fmt.Errorf("%w: %v", ErrDownloadFailed, err)}
	}

	if sink != nil {
		sink(Event{Stage: "completed", Percent: 100, URL: TargetURL(kind, target)})
	}
	return nil
}

// buildArgs assembles the yt-dlp invocation for one target.
func (y *YtdlpInvoker) buildArgs(kind job.Kind, target string, opts job.Options, outputDir string) []string {
	args := []string{
		"--newline",
		"--no-warnings",
		"--ignore-errors",
		"-o", filepath.Join(outputDir, "%(id)s.%(ext)s"),
		"--remux-video", "mkv",
		"--merge-output-format", "mkv",
		"--embed-metadata",
		"--embed-thumbnail",
	}

	if !opts.NoCache {
		args = append(args, "--download-archive", filepath.Join(outputDir, archiveFileName))
	}

	if opts.Subtitles {
		args = append(args,
			"--write-subs",
			"--sub-langs", "all",
			"--sub-format", "srv3",
		)
	}

	args = append(args, y.ExtraArgs...)
	args = append(args, TargetURL(kind, target))
	return args
}

// checkInstalled verifies that yt-dlp is available.
func (y *YtdlpInvoker) checkInstalled(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, y.path(), "--version")
	if err := cmd.Run(); err != nil {
		return ErrYtdlpNotInstalled
	}
	return nil
}

func (y *YtdlpInvoker) path() string {
	if y.Path != "" {
		return y.Path
	}
	return defaultYtdlpPath
}

// TargetURL builds the canonical YouTube URL for a target of the given kind.
func TargetURL(kind job.Kind, target string) string {
	switch kind {
	case job.KindChannel:
		return "https://www.youtube.com/" + NormalizeHandle(target)
	case job.KindShorts:
		return "https://www.youtube.com/" + NormalizeHandle(target) + "/shorts"
	default:
		if strings.Contains(target, "youtube.com/") || strings.Contains(target, "youtu.be/") {
			return target
		}
		return "https://www.youtube.com/watch?v=" + target
	}
}

// NormalizeHandle ensures a channel handle carries the leading @.
func NormalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return handle
	}
	if !strings.HasPrefix(handle, "@") {
		handle = "@" + handle
	}
	return handle
}

// progressRegex matches yt-dlp --newline download progress lines:
//
//	[download]  42.3% of 10.00MiB at 1.23MiB/s ETA 00:10
var progressRegex = regexp.MustCompile(`^\[download\]\s+([0-9.]+)%`)

// destinationRegex matches the destination announcement:
//
//	[download] Destination: yt/dQw4w9WgXcQ.webm
var destinationRegex = regexp.MustCompile(`^\[download\] Destination: (.+)$`)

// ParseProgressLine extracts a progress event from one line of yt-dlp output.
// Lines that carry no progress information return ok=false.
func ParseProgressLine(line string) (Event, bool) {
	if m := progressRegex.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Event{}, false
		}
		return Event{Stage: "downloading", Percent: pct}, true
	}

	if m := destinationRegex.FindStringSubmatch(line); m != nil {
		name := filepath.Base(m[1])
		name = strings.TrimSuffix(name, filepath.Ext(name))
		return Event{Stage: "downloading", Title: name}, true
	}

	switch {
	case strings.HasPrefix(line, "[Merger]"):
		return Event{Stage: "merging", Percent: 100}, true
	case strings.HasPrefix(line, "[ExtractAudio]"):
		return Event{Stage: "extracting audio", Percent: 100}, true
	case strings.HasPrefix(line, "[EmbedThumbnail]"), strings.HasPrefix(line, "[Metadata]"):
		return Event{Stage: "postprocessing", Percent: 100}, true
	}

	return Event{}, false
}

// openLogFile opens the job log for appending, creating parent directories.
// An empty path discards output.
func openLogFile(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { f.Close() }, nil
}
