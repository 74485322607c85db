package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mindburn-Labs/beacon/pkg/client"
	"github.com/Mindburn-Labs/beacon/pkg/config"
	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/hub"
)

// runSendEventCmd implements `beacon send-event`.
//
// Exit codes:
//
//	0 = event handed to the transport and flushed
//	1 = event dropped or not delivered before the timeout
//	2 = usage or configuration error
func runSendEventCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("send-event", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dsn         string
		message     string
		level       string
		release     string
		environment string
		timeout     time.Duration
		attachments []string
	)
	tags := map[string]string{}

	cmd.StringVar(&dsn, "dsn", "", "Project DSN (default: BEACON_DSN)")
	cmd.StringVar(&message, "message", "beacon test event", "Event message")
	cmd.StringVar(&level, "level", string(event.LevelInfo), "Event level: debug, info, warning, error, fatal")
	cmd.StringVar(&release, "release", "", "Release (default: BEACON_RELEASE)")
	cmd.StringVar(&environment, "environment", "", "Environment (default: BEACON_ENVIRONMENT)")
	cmd.DurationVar(&timeout, "timeout", 5*time.Second, "How long to wait for delivery")
	cmd.Func("tag", "Tag as key=value (repeatable)", func(v string) error {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return fmt.Errorf("tag %q is not key=value", v)
		}
		tags[key] = value
		return nil
	})
	cmd.Func("attach", "File to send as an attachment (repeatable)", func(v string) error {
		attachments = append(attachments, v)
		return nil
	})

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !validLevel(event.Level(level)) {
		_, _ = fmt.Fprintf(stderr, "Error: unknown level %q\n", level)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if dsn != "" {
		cfg.DSN = dsn
	}
	if release != "" {
		cfg.Release = release
	}
	if environment != "" {
		cfg.Environment = environment
	}
	if cfg.DSN == "" {
		_, _ = fmt.Fprintln(stderr, "Error: no DSN; pass --dsn or set BEACON_DSN")
		return 2
	}
	opts, err := cfg.ClientOptions()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	c := client.New(opts)
	if c.DSN() == nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid DSN %q\n", cfg.DSN)
		return 2
	}
	h := hub.New(c, nil)
	h.SetTags(tags)
	for _, path := range attachments {
		data, err := os.ReadFile(path)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: read attachment: %v\n", err)
			return 2
		}
		h.AddAttachment(event.Attachment{Filename: filepath.Base(path), Payload: data})
	}

	id := h.CaptureMessage(message, event.Level(level), nil)
	delivered := c.Close(timeout)
	if id == nil {
		_, _ = fmt.Fprintf(stdout, "%sEvent dropped by the pipeline%s\n", colorRed, colorReset)
		return 1
	}
	if !delivered {
		_, _ = fmt.Fprintf(stdout, "%sEvent %s not delivered within %s%s\n", colorRed, *id, timeout, colorReset)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%sSent event %s%s\n", colorGreen, *id, colorReset)
	return 0
}

func validLevel(l event.Level) bool {
	switch l {
	case event.LevelDebug, event.LevelInfo, event.LevelWarning, event.LevelError, event.LevelFatal:
		return true
	}
	return false
}
