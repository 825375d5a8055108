package jobs

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hotspotmesh/relay/pkg/metrics"
	"github.com/hotspotmesh/relay/pkg/types"
)

var bucketJobs = []byte("jobs")

// Queue is a bbolt-backed delayed job queue. Keys are the zero-padded
// run-at time in nanoseconds followed by the job id, so a prefix scan
// yields jobs in schedule order.
type Queue struct {
	db *bolt.DB
}

// NewQueue opens (or creates) the job database under dataDir.
func NewQueue(dataDir string) (*Queue, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "jobs.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Queue{db: db}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

func jobKey(runAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d/%s", runAt.UnixNano(), id))
}

// AddJob persists a job for later dispatch.
func (q *Queue) AddJob(job *types.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job requires an id")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	err := q.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put(jobKey(job.RunAt, job.ID), data)
	})
	if err == nil {
		metrics.JobsScheduled.Inc()
	}
	return err
}

// Due returns up to limit jobs whose run-at time is not after now, in
// schedule order.
func (q *Queue) Due(now time.Time, limit int) ([]*types.Job, error) {
	cutoff := []byte(fmt.Sprintf("%020d", now.UnixNano()+1))
	var due []*types.Job
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(k) >= string(cutoff) {
				break
			}
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			due = append(due, &job)
			if limit > 0 && len(due) >= limit {
				break
			}
		}
		return nil
	})
	return due, err
}

// Delete removes a job by id. The run-at time is part of the key, so the
// scan matches on the id suffix.
func (q *Queue) Delete(id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		c := b.Cursor()
		suffix := "/" + id
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ks := string(k)
			if len(ks) > len(suffix) && ks[len(ks)-len(suffix):] == suffix {
				return b.Delete(k)
			}
		}
		return nil
	})
}

// Len returns the number of stored jobs.
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketJobs).Stats().KeyN
		return nil
	})
	return n, err
}
