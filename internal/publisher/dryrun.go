package publisher

import (
	"context"
	"time"

	"pubflow/internal/pipeline"
	logx "pubflow/pkg/logx"
)

// DryRun pretends every attempt succeeded. For local runs and demos.
type DryRun struct {
	Latency time.Duration
	log     logx.Logger
}

func NewDryRun(latency time.Duration, log logx.Logger) *DryRun {
	return &DryRun{Latency: latency, log: log.With(logx.String("comp", "publisher.dryrun"))}
}

func (d *DryRun) Publish(ctx context.Context, req pipeline.PublishRequest) (pipeline.PublishResult, error) {
	if d.Latency > 0 {
		t := time.NewTimer(d.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return pipeline.PublishResult{}, ctx.Err()
		case <-t.C:
		}
	}
	id := "dry-" + req.Task.ID
	d.log.Info("dry-run publish",
		logx.String("post_id", req.Post.ID),
		logx.String("bot_id", req.Bot.ID),
		logx.String("platform", string(req.Bot.Platform)),
		logx.Int("attempt", req.Task.Attempt),
	)
	return pipeline.PublishResult{PlatformPostID: id, PlatformURL: "dryrun://" + string(req.Bot.Platform) + "/" + id}, nil
}
