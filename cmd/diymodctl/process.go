package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/diy-mod/core/internal/modules/moderation"
	"github.com/diy-mod/core/internal/modules/moderation/pipeline"
	"github.com/diy-mod/core/internal/pkg/deliveryclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type processOptions struct {
	server  string
	token   string
	noWait  bool
	timeout time.Duration
	verbose bool
}

// processedFeed is the annotated feed plus the deferred images resolved
// after it was returned.
type processedFeed struct {
	*pipeline.AnnotatedFeed
	Deferred []deliveryclient.Result `json:"deferred,omitempty"`
}

func processCmd() *cobra.Command {
	var opts processOptions
	cmd := &cobra.Command{
		Use:   "process <feed.json>",
		Short: "Submit a feed and wait for its deferred image edits",
		Long: `Submit a feed file to POST /get_feed, then wait for every image that came
back as processing. Results are pushed over the WebSocket delivery channel;
images without a push fall back to polling.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "", "server base URL (default http://localhost:<port>)")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token")
	cmd.Flags().BoolVar(&opts.noWait, "no-wait", false, "print the feed without waiting for images")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall time limit")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log delivery events")
	return cmd
}

func runProcess(cmd *cobra.Command, path string, opts processOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var feed pipeline.FeedRequest
	if err := json.Unmarshal(raw, &feed); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	server := opts.server
	if server == "" {
		server = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	logger := zap.NewNop()
	if opts.verbose {
		logger, _ = zap.NewDevelopment()
	}

	client, err := deliveryclient.New(deliveryclient.Options{
		BaseURL:      server,
		UserID:       feed.UserID,
		Token:        opts.token,
		Reconnect:    cfg.Delivery.Reconnect,
		PollAttempts: cfg.Delivery.PollAttempts,
		PollInterval: cfg.Delivery.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	// connect first so pushes for fast jobs are not missed
	if !opts.noWait {
		client.Start(ctx)
		defer client.Close()
	}

	out := processedFeed{AnnotatedFeed: &pipeline.AnnotatedFeed{}}
	if err := client.ProcessFeed(ctx, feed, out.AnnotatedFeed); err != nil {
		return err
	}

	if !opts.noWait {
		out.Deferred, err = awaitImages(ctx, client, out.AnnotatedFeed)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func awaitImages(ctx context.Context, client *deliveryclient.Client, feed *pipeline.AnnotatedFeed) ([]deliveryclient.Result, error) {
	var (
		mu      sync.Mutex
		results []deliveryclient.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, post := range feed.Posts {
		for _, img := range post.Images {
			iv := img.Intervention
			if iv == nil || iv.Status != moderation.ImageStatusProcessing {
				continue
			}
			imageURL, filters := img.URL, iv.Filters
			g.Go(func() error {
				r, err := client.Await(gctx, imageURL, filters)
				if err != nil {
					r = deliveryclient.Result{ImageURL: imageURL, Filters: filters, JobID: iv.JobID, Status: deliveryclient.StatusFailed, Error: err.Error()}
				}
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
