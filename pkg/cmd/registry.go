// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/dukex/stepflow/pkg/executors/httprequest"
	"github.com/dukex/stepflow/pkg/executors/humantask"
	"github.com/dukex/stepflow/pkg/executors/notify"
	"github.com/dukex/stepflow/pkg/executors/transform"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/monitors/conditionpoll"
	"github.com/dukex/stepflow/pkg/monitors/eventpoll"
	"github.com/dukex/stepflow/pkg/monitors/schedule"
	"github.com/dukex/stepflow/pkg/monitors/webhook"
	"github.com/dukex/stepflow/pkg/registry"
)

func registerNativeExecutors(reg *registry.Registry) {
	reg.RegisterExecutor(httprequest.NewFactory())
	reg.RegisterExecutor(transform.NewFactory())
	reg.RegisterExecutor(notify.NewFactory())
	reg.RegisterExecutor(humantask.NewFactory())

	// Work step kinds without an explicit executor config entry.
	reg.SetKindDefault(models.StepKindCapture, "humantask")
	reg.SetKindDefault(models.StepKindReview, "humantask")
	reg.SetKindDefault(models.StepKindApprove, "humantask")
	reg.SetKindDefault(models.StepKindUpdate, "http_request")
}

func registerNativeMonitors(reg *registry.Registry, streamClient redis.UniversalClient) {
	reg.RegisterMonitor(schedule.NewFactory())
	reg.RegisterMonitor(webhook.NewFactory())
	reg.RegisterMonitor(conditionpoll.NewFactory())

	if streamClient != nil {
		reg.RegisterMonitor(eventpoll.NewFactory(streamClient))
	}
}

// NewRegistry builds the factory registry with every native executor and
// monitor. The stream client may be nil; event-poll triggers then fail
// validation instead of panicking at firing time.
func NewRegistry(log *slog.Logger, streamClient redis.UniversalClient) *registry.Registry {
	reg := registry.NewRegistry(log)

	registerNativeExecutors(reg)
	registerNativeMonitors(reg, streamClient)

	return reg
}

// NewStreamClient connects to the event stream backing event-poll triggers.
// An empty URL disables it.
func NewStreamClient(streamURL string) (redis.UniversalClient, error) {
	if streamURL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(streamURL)
	if err != nil {
		return nil, err
	}

	return redis.NewClient(opts), nil
}
