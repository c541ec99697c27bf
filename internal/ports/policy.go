package ports

import "time"

type Policy struct {
	MaxQueueLen  int           `yaml:"max_queue_len"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	IdleSleep    time.Duration `yaml:"idle_sleep"`

	OnQueueFull string `yaml:"on_queue_full"` // "block", "reject"

	// MirrorBacklog bounds the batches waiting for each mirror sink. A full
	// backlog drops the batch for that mirror only.
	MirrorBacklog int `yaml:"mirror_backlog"`
}
