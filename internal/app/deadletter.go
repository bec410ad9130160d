package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DeadLetterQueue stores jobs that failed with a retryable error so they can
// be resubmitted later.
type DeadLetterQueue struct {
	path   string
	mu     sync.Mutex
	logger logrus.FieldLogger
}

func NewDeadLetterQueue(path string, logger logrus.FieldLogger) *DeadLetterQueue {
	dlq := &DeadLetterQueue{path: filepath.Join(path, "dead_letter"), logger: logger}
	if err := os.MkdirAll(dlq.path, 0755); err != nil {
		logger.Errorf("Failed to create DLQ directory: %v", err)
	}
	return dlq
}

func (dlq *DeadLetterQueue) Path() string {
	return dlq.path
}

// Add records job, bumping its retry count.
func (dlq *DeadLetterQueue) Add(job QueryJob, cause error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	job.RetryCount++
	if cause != nil {
		job.LastError = cause.Error()
	}
	data, err := json.Marshal(job)
	if err != nil {
		dlq.logger.Errorf("Failed to marshal DLQ job: %v", err)
		return
	}
	filename := filepath.Join(dlq.path, fmt.Sprintf("%d_%s_%s.json", time.Now().UnixNano(), job.Database, job.QueryName))
	if err := os.WriteFile(filename, data, 0644); err != nil {
		dlq.logger.Errorf("Failed to write to DLQ: %v", err)
	}
}

// Drain removes every stored job and returns those still allowed to retry.
func (dlq *DeadLetterQueue) Drain(maxRetries int) []QueryJob {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	files, err := os.ReadDir(dlq.path)
	if err != nil {
		dlq.logger.Errorf("Failed to read DLQ directory: %v", err)
		return nil
	}
	var jobs []QueryJob
	for _, file := range files {
		name := filepath.Join(dlq.path, file.Name())
		data, err := os.ReadFile(name)
		if err != nil {
			dlq.logger.Errorf("Failed to read DLQ file %s: %v", file.Name(), err)
			continue
		}
		if err := os.Remove(name); err != nil {
			dlq.logger.Errorf("Failed to remove DLQ file %s: %v", file.Name(), err)
			continue
		}
		var job QueryJob
		if err := json.Unmarshal(data, &job); err != nil {
			dlq.logger.Errorf("Failed to unmarshal DLQ job %s: %v", file.Name(), err)
			continue
		}
		if job.RetryCount > maxRetries {
			dlq.logger.WithFields(logrus.Fields{
				"query":    job.QueryName,
				"database": job.Database,
				"retries":  job.RetryCount,
			}).Errorf("Dropping job after max retries: %s", job.LastError)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (dlq *DeadLetterQueue) ProcessRetries(app *Application) {
	interval := time.Duration(app.currentConfig().GlobalConfig.DLQRetryInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, job := range dlq.Drain(app.currentConfig().GlobalConfig.DLQMaxRetries) {
					app.submit(job)
				}
			case <-app.shutdown:
				return
			}
		}
	}()
}
