// Package rfmpdlog constructs the daemon's shared structured logger.
package rfmpdlog

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

// New builds a *log.Logger at the given level (DEBUG/INFO/WARNING/ERROR/
// CRITICAL, case-insensitive), writing to stderr and, if file is non-empty,
// also to that file (created/appended, simple size-capped rotation: if the
// file already holds maxSize bytes or more when New opens it, it is renamed
// aside first, keeping up to backupCount old copies; its size is not
// checked again while the logger is in use). Logging setup must never prevent the daemon starting: a
// log file that cannot be opened is reported on stderr and the logger
// falls back to stderr only.
func New(level, file string, maxSize, backupCount int) *log.Logger {
	var w io.Writer = os.Stderr
	if file != "" {
		rotateIfOversize(file, maxSize, backupCount)
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rfmpd: cannot open log file %s: %v; logging to stderr only\n", file, err)
		} else {
			w = io.MultiWriter(os.Stderr, f)
		}
	}

	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02T15:04:05Z07:00",
	})
	logger.SetLevel(parseLevel(level))
	return logger
}

func parseLevel(level string) log.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return log.DebugLevel
	case "WARNING", "WARN":
		return log.WarnLevel
	case "ERROR", "CRITICAL":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// rotateIfOversize renames file to file.1, shifting older numbered backups
// up to backupCount, when it exceeds maxSize bytes. Best-effort: any error
// is ignored since logging setup must never prevent the daemon starting.
func rotateIfOversize(file string, maxSize, backupCount int) {
	if maxSize <= 0 {
		return
	}
	info, err := os.Stat(file)
	if err != nil || info.Size() < int64(maxSize) {
		return
	}
	for i := backupCount; i >= 1; i-- {
		src := file
		if i > 1 {
			src = backupName(file, i-1)
		}
		if _, err := os.Stat(src); err != nil {
			continue
		}
		_ = os.Rename(src, backupName(file, i))
	}
}

func backupName(file string, n int) string {
	return file + "." + strconv.Itoa(n)
}
