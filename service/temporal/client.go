package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
)

// PruneScheduleID is the ID of the schedule that prunes old submissions.
const PruneScheduleID = "prune-submissions"

// Client starts and inspects batch workflows and manages the prune schedule.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartBatch starts a SendBatchWorkflow and returns its ID, which is also
// the batch ID recorded on every submission of the batch.
func (c *Client) StartBatch(ctx context.Context, input SendBatchInput) (string, error) {
	id := batchWorkflowID()

	c.logger.Debug("starting batch workflow",
		"workflow_id", id,
		"network", input.Network,
		"sequence", input.Sequence,
		"count", len(input.Transactions),
	)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"network":    input.Network,
			"sequence":   input.Sequence,
			"count":      len(input.Transactions),
			"created_by": "sendtx",
		},
	}, SendBatchWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start batch workflow",
			"workflow_id", id,
			"error", err,
		)
		return "", fmt.Errorf("failed to start batch workflow: %w", err)
	}

	c.logger.Info("batch workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"count", len(input.Transactions),
	)
	return run.GetID(), nil
}

// GetBatchResult returns the progress of a batch, or its final result once
// the workflow has completed.
func (c *Client) GetBatchResult(ctx context.Context, batchID string) (*SendBatchResult, error) {
	value, err := c.client.QueryWorkflow(ctx, batchID, "", BatchProgressQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch %q: %w", batchID, err)
	}

	var result SendBatchResult
	if err := value.Get(&result); err != nil {
		return nil, fmt.Errorf("failed to decode batch %q: %w", batchID, err)
	}
	return &result, nil
}

// AwaitBatch blocks until the batch workflow completes and returns its result.
func (c *Client) AwaitBatch(ctx context.Context, batchID string) (*SendBatchResult, error) {
	var result SendBatchResult
	if err := c.client.GetWorkflow(ctx, batchID, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("batch %q failed: %w", batchID, err)
	}
	return &result, nil
}

// UpsertPruneSchedule creates or updates the schedule that prunes finished
// submissions older than retention every interval.
func (c *Client) UpsertPruneSchedule(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 || retention <= 0 {
		return errors.New("prune interval and retention must be positive")
	}

	handle := c.client.ScheduleClient().GetHandle(ctx, PruneScheduleID)
	if _, err := handle.Describe(ctx); err == nil {
		err = handle.Update(ctx, client.ScheduleUpdateOptions{
			DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
				input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
					{Every: interval},
				}
				if action, ok := input.Description.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
					action.Args = []interface{}{PruneSubmissionsInput{Retention: retention}}
				}
				return &client.ScheduleUpdate{
					Schedule: &input.Description.Schedule,
				}, nil
			},
		})
		if err != nil {
			return fmt.Errorf("failed to update schedule %q: %w", PruneScheduleID, err)
		}
		c.logger.Info("prune schedule updated", "interval", interval, "retention", retention)
		return nil
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: PruneScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        PruneScheduleID,
			Workflow:  PruneSubmissionsWorkflow,
			TaskQueue: c.taskQueue,
			Args:      []interface{}{PruneSubmissionsInput{Retention: retention}},
		},
		Memo: map[string]interface{}{
			"created_by": "sendtx",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create schedule %q: %w", PruneScheduleID, err)
	}

	c.logger.Info("prune schedule created", "interval", interval, "retention", retention)
	return nil
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

func batchWorkflowID() string {
	return "send-batch-" + uuid.NewString()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
