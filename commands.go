package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/deepsight/internal/aggregator"
	"github.com/example/deepsight/internal/auth"
	"github.com/example/deepsight/internal/catalog"
	"github.com/example/deepsight/internal/config"
	"github.com/example/deepsight/internal/grpcclient"
	"github.com/example/deepsight/internal/healthcheck"
	"github.com/example/deepsight/internal/imageprocessor"
	"github.com/example/deepsight/internal/inference"
	"github.com/example/deepsight/internal/logging"
	"github.com/example/deepsight/internal/report"
	"github.com/example/deepsight/internal/usecase"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "deepsight",
		Short:        "Eye condition screening from face and eye photos",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCommand(),
		newDiagnoseCommand(),
		newTokenCommand(),
		newHealthcheckCommand(),
	)
	return root
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the optional Telegram bot and gRPC health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runServe(cfg, logger)
		},
	}
}

type diagnoseOptions struct {
	mode       string
	reportPath string
	asJSON     bool
}

func newDiagnoseCommand() *cobra.Command {
	opts := diagnoseOptions{}
	cmd := &cobra.Command{
		Use:   "diagnose <image>",
		Short: "Diagnose a local image without database or cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := aggregator.ParseMode(opts.mode)
			if err != nil {
				return err
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			detector, err := newDetector(cfg, logger)
			if err != nil {
				return err
			}
			cat, err := catalog.Load(cfg.CatalogPath)
			if err != nil {
				return err
			}

			result, err := diagnoseLocal(cmd.Context(), detector, data, mode, cfg.ImageMaxSide)
			if err != nil {
				return err
			}
			if err := printLocalResult(cmd.OutOrStdout(), result, cat, opts.asJSON); err != nil {
				return err
			}

			if opts.reportPath == "" {
				return nil
			}
			pdf, err := report.NewRenderer(cat).Render(report.Input{
				RequestID: result.RequestID,
				CreatedAt: time.Now().UTC(),
				Outcome:   result.Outcome,
				Image:     result.image,
			})
			if err != nil {
				return err
			}
			return os.WriteFile(opts.reportPath, pdf, 0o644)
		},
	}
	cmd.Flags().StringVar(&opts.mode, "mode", string(aggregator.ModeTwoEyes), "single_eye or two_eyes")
	cmd.Flags().StringVar(&opts.reportPath, "report", "", "write the PDF report to this file")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the outcome as JSON")
	return cmd
}

type localResult struct {
	RequestID       string             `json:"request_id"`
	Outcome         aggregator.Outcome `json:"outcome"`
	ImageWidth      int                `json:"image_width"`
	ImageHeight     int                `json:"image_height"`
	PredictionCount int                `json:"prediction_count"`

	image []byte
}

func diagnoseLocal(ctx context.Context, detector inference.Client, data []byte, mode aggregator.Mode, maxSide int) (*localResult, error) {
	prepared, err := imageprocessor.Prepare(data, maxSide)
	if err != nil {
		return nil, err
	}

	requestID := "local-" + prepared.SHA1[:12]
	detection, err := detector.Detect(ctx, requestID, prepared.Data)
	if err != nil {
		return nil, err
	}
	if detection.ImageWidth <= 0 {
		detection.ImageWidth = prepared.Width
	}
	if detection.ImageHeight <= 0 {
		detection.ImageHeight = prepared.Height
	}
	if len(detection.Predictions) == 0 {
		return nil, usecase.ErrNoDetections
	}

	return &localResult{
		RequestID:       requestID,
		Outcome:         aggregator.Aggregate(*detection, mode),
		ImageWidth:      detection.ImageWidth,
		ImageHeight:     detection.ImageHeight,
		PredictionCount: len(detection.Predictions),
		image:           prepared.Data,
	}, nil
}

func printLocalResult(w io.Writer, result *localResult, cat *catalog.Catalog, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	for _, f := range result.Outcome.Findings() {
		name := f.Prediction.Class
		if cond, ok := cat.Lookup(f.Prediction.Class); ok {
			name = cond.Name
		}
		if _, err := fmt.Fprintf(w, "%-10s %-20s %6.2f%%\n", f.Eye, name, f.Prediction.Confidence*100); err != nil {
			return err
		}
	}
	return nil
}

func newTokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(cfg.JWTSecret, cfg.JWTAudience, args[0], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newHealthcheckCommand() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running server over the gRPC health protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, conn, err := grpcclient.DialHealth(ctx, addr, zap.NewNop())
			if err != nil {
				return err
			}
			defer conn.Close()

			serving, err := client.Serving(ctx, healthcheck.ServiceName)
			if err != nil {
				return err
			}
			if !serving {
				return fmt.Errorf("%s is not serving", addr)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:9090", "gRPC health address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	return cmd
}
