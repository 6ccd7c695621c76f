package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show scheduler logs",
	Long: `Display recent log lines from today's log file, or stream them as they
are written. Logs live under ~/.tbs/logs and rotate daily.

Examples:
  tbs logs                   # Show last 100 log lines
  tbs logs -n 50             # Show last 50 log lines
  tbs logs --follow          # Stream logs in real-time
  tbs logs --level error     # Only show error and above`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().IntP("lines", "n", 100, "Number of log lines to show")
	logsCmd.Flags().BoolP("follow", "f", false, "Stream logs in real-time")
	logsCmd.Flags().String("level", "", "Minimum log level (debug, info, warn, error)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	lines, _ := cmd.Flags().GetInt("lines")
	follow, _ := cmd.Flags().GetBool("follow")
	level, _ := cmd.Flags().GetString("level")

	minLevel, err := levelRank(level)
	if err != nil {
		return err
	}

	path := logFilePath()
	if path == "" {
		return fmt.Errorf("cannot determine log directory")
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no log file for today (%s) — has the scheduler run?", path)
		}
		return fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	out := cmd.OutOrStdout()

	tail, offset, err := tailLines(f, lines)
	if err != nil {
		return fmt.Errorf("reading log file: %w", err)
	}
	for _, line := range tail {
		if logLineLevel(line) >= minLevel {
			fmt.Fprintln(out, line)
		}
	}

	if !follow {
		return nil
	}

	// Poll for appended lines. The writer only ever appends, so a plain
	// offset read is enough; a new day means a new file, picked up below.
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking log file: %w", err)
	}
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			trimmed := strings.TrimRight(line, "\n")
			if logLineLevel(trimmed) >= minLevel {
				fmt.Fprintln(out, trimmed)
			}
		}
		if err == io.EOF {
			time.Sleep(500 * time.Millisecond)
			if next := logFilePath(); next != path {
				nf, err := os.Open(next)
				if err == nil {
					f.Close()
					f, path = nf, next
					reader = bufio.NewReader(f)
				}
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("reading log file: %w", err)
		}
	}
}

// tailLines returns the last n lines of r and the file offset after them.
func tailLines(r io.ReadSeeker, n int) ([]string, int64, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	var lines []string
	var offset int64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		offset += int64(len(scanner.Bytes())) + 1
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return lines, offset, nil
}

// levelRank maps a level name to its ordering. Empty means no filter.
func levelRank(level string) (int, error) {
	switch strings.ToLower(level) {
	case "":
		return 0, nil
	case "debug":
		return 0, nil
	case "info":
		return 1, nil
	case "warn", "warning":
		return 2, nil
	case "error":
		return 3, nil
	default:
		return 0, fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", level)
	}
}

// logLineLevel extracts the level from a JSON log line. Lines that don't
// parse (e.g. postgres output) rank as info so they survive the default view.
func logLineLevel(line string) int {
	var rec struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Level == "" {
		return 1
	}
	switch strings.ToUpper(rec.Level) {
	case "DEBUG":
		return 0
	case "INFO":
		return 1
	case "WARN":
		return 2
	case "ERROR":
		return 3
	default:
		return 1
	}
}
