package scheduler

import "context"

// PartitionNamespace is the orchestrator partition set this subsystem owns.
const PartitionNamespace = "experiment_metric_timeseries"

// PartitionRegistry is the orchestrator's dynamic partition set: ambient
// mutable state in the orchestrator, made an explicit collaborator here so
// the coordinator can be tested against a deterministic fake.
type PartitionRegistry interface {
	GetDynamicPartitions(ctx context.Context, namespace string) ([]string, error)
	RegisterPartitions(ctx context.Context, namespace string, keys []string) error
}
