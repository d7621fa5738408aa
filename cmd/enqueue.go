package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/ta-cortex/internal/bus"
	"github.com/Ashfaaq98/ta-cortex/internal/ingest"
)

var (
	enqueueData      string
	enqueueDataType  string
	enqueueTLP       string
	enqueuePAP       string
	enqueueAnalyzers string
	enqueueSID       string
	enqueueInput     string
)

// enqueueCmd queues observables for a serve --stream consumer
var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue observables on the observables Redis stream",
	Long: `Validate observables and append them to the "observables" Redis stream,
where a "ta-cortex serve --stream" consumer submits them to Cortex.

Input is the same as for run: one observable from flags, or JSON lines
read from a file or stdin. Levels are normalized before queueing.

Examples:
  ta-cortex enqueue --redis redis://localhost:6379 --data 8.8.8.8 --data-type ip
  cat results.jsonl | ta-cortex enqueue --redis redis://localhost:6379 --input -`,
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVar(&enqueueData, "data", "", "Observable value")
	enqueueCmd.Flags().StringVar(&enqueueDataType, "data-type", "", "Observable data type")
	enqueueCmd.Flags().StringVar(&enqueueTLP, "tlp", "", "Traffic Light Protocol level (default AMBER)")
	enqueueCmd.Flags().StringVar(&enqueuePAP, "pap", "", "Permissible Actions Protocol level (default AMBER)")
	enqueueCmd.Flags().StringVar(&enqueueAnalyzers, "analyzers", "", `"all" or a ";" separated list of analyzer names`)
	enqueueCmd.Flags().StringVar(&enqueueSID, "sid", "", "Search id; the consumer uses the stream id when empty")
	enqueueCmd.Flags().StringVarP(&enqueueInput, "input", "i", "", "Read JSON line requests from a file ('-' for stdin)")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := GetConfig()
	if cfg.Redis.URL == "" {
		return fmt.Errorf("enqueue requires --redis")
	}
	if enqueueInput == "" && enqueueData == "" {
		return fmt.Errorf("either --data or --input is required")
	}

	level := effectiveLevel(cfg.Log.Level, "")
	logger, debug := newLoggers("enqueue", level, os.Stderr)

	var msgs []bus.ObservableMessage
	if enqueueInput != "" {
		var input io.Reader = os.Stdin
		if enqueueInput != "-" {
			f, err := os.Open(enqueueInput)
			if err != nil {
				return fmt.Errorf("failed to open input file: %w", err)
			}
			defer f.Close()
			input = f
		}
		var err error
		if msgs, err = observablesFrom(input); err != nil {
			return err
		}
	} else {
		req, err := ingest.FromFields(map[string]string{
			"data":      enqueueData,
			"dataType":  enqueueDataType,
			"tlp":       enqueueTLP,
			"pap":       enqueuePAP,
			"analyzers": enqueueAnalyzers,
			"sid":       enqueueSID,
		}, debug)
		if err != nil {
			return err
		}
		msgs = []bus.ObservableMessage{observableMessage(req)}
	}

	rb, err := bus.NewRedisBus(cfg.Redis.URL, logger)
	if err != nil {
		return err
	}
	defer rb.Close()

	return publishObservables(ctx, rb, msgs, cmd.OutOrStdout())
}

type observablePublisher interface {
	PublishObservable(ctx context.Context, msg bus.ObservableMessage) error
}

func publishObservables(ctx context.Context, p observablePublisher, msgs []bus.ObservableMessage, out io.Writer) error {
	for i, msg := range msgs {
		if err := p.PublishObservable(ctx, msg); err != nil {
			return fmt.Errorf("queued %d of %d observable(s): %w", i, len(msgs), err)
		}
	}
	fmt.Fprintf(out, "Queued %d observable(s) on %s\n", len(msgs), bus.ObservablesStream)
	return nil
}

// observablesFrom validates every JSON line of r. The first invalid line
// fails the whole input so nothing is half queued.
func observablesFrom(r io.Reader) ([]bus.ObservableMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var msgs []bus.ObservableMessage
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		req, err := ingest.ParseRequest([]byte(line), nil)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		msgs = append(msgs, observableMessage(req))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading input: %w", err)
	}
	return msgs, nil
}

func observableMessage(req ingest.Request) bus.ObservableMessage {
	return bus.ObservableMessage{
		Data:      req.Data,
		DataType:  req.DataType,
		TLP:       strconv.Itoa(req.TLP),
		PAP:       strconv.Itoa(req.PAP),
		Analyzers: req.Analyzers,
		SID:       req.SID,
	}
}
