package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

type captureOptions struct {
	requester string
	locator   string
	pages     string
	out       string
	timeout   time.Duration
}

// captureOutput is printed to stdout after a one-shot capture.
type captureOutput struct {
	capture.Result
	Kind        string `json:"kind,omitempty"`
	Explanation string `json:"explanation,omitempty"`
	Output      string `json:"output,omitempty"`
}

func newCaptureCmd() *cobra.Command {
	opts := &captureOptions{}
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Captures one document and exits",
		Long: `Runs a single capture job in the foreground, without the HTTP API.
The result is printed as JSON; --out also writes the PDF to a file.`,
		RunE: withApp(func(cmd *cobra.Command, a App) error {
			return runCaptureCommand(cmd, a, opts)
		}),
	}
	cmd.Flags().StringVar(&opts.requester, "requester", "cli", "requester identity used for admission")
	cmd.Flags().StringVar(&opts.locator, "locator", "", "document URL, e.g. https://docs.example.com/d/abc123")
	cmd.Flags().StringVar(&opts.pages, "pages", "", `explicit pages, e.g. "1,3-5"; empty captures every page`)
	cmd.Flags().StringVar(&opts.out, "out", "", "write the assembled PDF to this path")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 15*time.Minute, "overall job timeout")
	_ = cmd.MarkFlagRequired("locator")
	return cmd
}

func runCaptureCommand(cmd *cobra.Command, appInstance App, opts *captureOptions) error {
	loc, err := capture.ParseLocator(opts.locator)
	if err != nil {
		return err
	}
	pages, err := capture.ParsePages(opts.pages)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	res, runErr := appInstance.CaptureOnce(ctx, capture.Request{
		RequesterID: opts.requester,
		Locator:     loc,
		Pages:       pages,
	})
	out := captureOutput{Result: res}
	if runErr != nil {
		var capErr *capture.Error
		if errors.As(runErr, &capErr) {
			kind := capture.KindOf(runErr)
			out.Kind = string(kind)
			out.Explanation = kind.Explain()
		}
	}
	if runErr == nil && opts.out != "" && len(res.Artifact) > 0 {
		if err := os.WriteFile(opts.out, res.Artifact, 0o600); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		out.Output = opts.out
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return runErr
}
