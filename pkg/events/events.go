// Package events defines event types and structures for pipeline run
// lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/trellis-ml/trellis/pkg/models"
)

type EventType string

// Kafka topics.
const Topic = "trellis.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Run lifecycle events.
	RunRequestedEvent EventType = "run.requested"
	RunStartedEvent   EventType = "run.started"
	RunFinishedEvent  EventType = "run.finished"

	// Step lifecycle events.
	StepDispatchedEvent EventType = "step.dispatched"
	StepCompletedEvent  EventType = "step.completed"
	StepFailedEvent     EventType = "step.failed"
)

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	DeploymentID string         `json:"deployment_id"`
	RunID        string         `json:"run_id,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RunRequested asks the dispatch side to begin a run of a deployment. It is
// what receivers publish; the idempotency key keeps redelivery harmless.
type RunRequested struct {
	BaseEvent

	IdempotencyKey string         `json:"idempotency_key"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Initiator      string         `json:"initiator,omitempty"`
}

func (r RunRequested) GetType() EventType {
	return RunRequestedEvent
}

type RunStarted struct {
	BaseEvent

	PipelineName      string `json:"pipeline_name"`
	OrchestratorRunID string `json:"orchestrator_run_id"`
	StepCount         int    `json:"step_count"`
}

func (r RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunFinished struct {
	BaseEvent

	PipelineName  string                 `json:"pipeline_name"`
	Status        models.ExecutionStatus `json:"status"`
	Duration      time.Duration          `json:"duration"`
	StepsExecuted int                    `json:"steps_executed"`
	StepsCached   int                    `json:"steps_cached"`
}

func (r RunFinished) GetType() EventType {
	return RunFinishedEvent
}

// StepDispatched is published when a deferred backend hands a step to its
// workers. CorrelationID ties later completion events back to the dispatch.
type StepDispatched struct {
	BaseEvent

	StepName      string `json:"step_name"`
	CacheKey      string `json:"cache_key,omitempty"`
	Backend       string `json:"backend"`
	CorrelationID string `json:"correlation_id"`
}

func (s StepDispatched) GetType() EventType {
	return StepDispatchedEvent
}

type StepCompleted struct {
	BaseEvent

	StepName      string                        `json:"step_name"`
	OutputRefs    map[string]models.ArtifactRef `json:"output_refs,omitempty"`
	CorrelationID string                        `json:"correlation_id,omitempty"`
	DurationMs    int64                         `json:"duration_ms"`
}

func (s StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

type StepFailed struct {
	BaseEvent

	StepName      string `json:"step_name"`
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
}

func (s StepFailed) GetType() EventType {
	return StepFailedEvent
}

func NewBaseEvent(eventType EventType, deploymentID, runID string) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		DeploymentID: deploymentID,
		RunID:        runID,
		Metadata:     make(map[string]any),
	}
}
