package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/beacon/pkg/envelope"
	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/outcome"
)

type itemReport struct {
	Type     envelope.ItemType `json:"type"`
	Length   int               `json:"length"`
	Category string            `json:"category"`
	Summary  string            `json:"summary,omitempty"`
	Valid    bool              `json:"valid"`
	Error    string            `json:"error,omitempty"`
}

type inspectReport struct {
	EventID event.ID     `json:"event_id,omitempty"`
	DSN     string       `json:"dsn,omitempty"`
	Items   []itemReport `json:"items"`
	Valid   bool         `json:"valid"`
}

// runInspectCmd implements `beacon inspect <file>`. A file of "-" reads
// standard input.
//
// Exit codes:
//
//	0 = envelope decoded and every item is valid
//	1 = an item failed validation
//	2 = unreadable or malformed envelope
func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("inspect", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: beacon inspect [--json] <file>")
		return 2
	}

	data, err := readInput(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	env, err := envelope.Decode(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report := inspect(env)
	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	} else {
		printReport(stdout, report)
	}
	if !report.Valid {
		return 1
	}
	return 0
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func inspect(env *envelope.Envelope) inspectReport {
	report := inspectReport{EventID: env.Header.EventID, DSN: env.Header.DSN, Valid: true}
	for _, item := range env.Items {
		r := itemReport{
			Type:     item.Header.Type,
			Length:   len(item.Payload),
			Category: item.Category().String(),
			Valid:    true,
		}
		if err := envelope.Validate(item); err != nil {
			r.Valid = false
			r.Error = err.Error()
			report.Valid = false
		} else {
			r.Summary = summarize(item)
		}
		report.Items = append(report.Items, r)
	}
	return report
}

func summarize(item *envelope.Item) string {
	payload, err := envelope.DecodePayload(item)
	if err != nil {
		return ""
	}
	switch v := payload.(type) {
	case *event.Event:
		if v.Kind() == event.KindException {
			last := v.Exception[len(v.Exception)-1]
			return fmt.Sprintf("%s: %s", last.Type, last.Value)
		}
		if v.Kind() == event.KindTransaction {
			return fmt.Sprintf("transaction %s (%d spans)", v.Transaction, len(v.Spans))
		}
		return fmt.Sprintf("[%s] %s", v.Level, v.Message)
	case *event.SessionUpdate:
		return fmt.Sprintf("session %s %s, %d errors", v.SID, v.Status, v.Errors)
	case *outcome.ClientReport:
		var total int64
		for _, d := range v.DiscardedEvents {
			total += d.Quantity
		}
		return fmt.Sprintf("%d discarded in %d groups", total, len(v.DiscardedEvents))
	default:
		if item.Header.Filename != "" {
			return item.Header.Filename
		}
		return ""
	}
}

func printReport(w io.Writer, r inspectReport) {
	fmt.Fprintf(w, "%sEnvelope%s %s\n", colorBold+colorCyan, colorReset, r.EventID)
	for _, item := range r.Items {
		mark := colorGreen + "ok" + colorReset
		detail := item.Summary
		if !item.Valid {
			mark = colorRed + "invalid" + colorReset
			detail = item.Error
		}
		fmt.Fprintf(w, "  %-14s %-12s %8d bytes  %s  %s%s%s\n",
			item.Type, item.Category, item.Length, mark, colorGray, detail, colorReset)
	}
}
