package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// TopicSpec describes a topic ensured at startup.
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// EventTopics are the topics the relay publishes to.
func EventTopics() []TopicSpec {
	return []TopicSpec{
		{Name: "prescriptions.approved", Partitions: 3, ReplicationFactor: 1},
	}
}

// EnsureTopics creates any missing topics. Existing topics are left alone.
func EnsureTopics(ctx context.Context, brokers []string, specs []TopicSpec, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer client.Close()

	adm := kadm.NewClient(client)

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	existing, err := adm.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, spec := range specs {
		if existing.Has(spec.Name) {
			continue
		}
		if _, err := adm.CreateTopic(ctx, spec.Partitions, spec.ReplicationFactor, nil, spec.Name); err != nil {
			return fmt.Errorf("create topic %s: %w", spec.Name, err)
		}
		logger.Info("topic created",
			zap.String("topic", spec.Name),
			zap.Int32("partitions", spec.Partitions))
	}
	return nil
}
