// Package journal keeps an append-only on-disk log of commit runs.
//
// The journal is the crash-safe record: a report is appended before the
// engine returns from Commit, so even if the process dies right after, the
// last thing written to the machine is on disk. Entries are keyed by run
// ULID, which sorts chronologically, making "the last N runs" a reverse
// cursor walk.
package journal

import (
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/superfly/blockplan"
)

var bucketCommits = []byte("commits")

// Journal is an open journal file.
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, os.FileMode(0o600), &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCommits)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append writes a commit report. Appending the same run twice is an error;
// runs are immutable once journaled.
func (j *Journal) Append(report *blockplan.CommitReport) error {
	data, err := report.Marshal()
	if err != nil {
		return fmt.Errorf("encode report %s: %w", report.RunID, err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommits)
		key := []byte(report.RunID)
		if b.Get(key) != nil {
			return fmt.Errorf("run %s already journaled", report.RunID)
		}
		return b.Put(key, data)
	})
}

// Get loads the report for a run ID. Returns nil without error when the run
// is unknown.
func (j *Journal) Get(runID string) (*blockplan.CommitReport, error) {
	var report *blockplan.CommitReport
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCommits).Get([]byte(runID))
		if data == nil {
			return nil
		}
		report = &blockplan.CommitReport{}
		return report.Unmarshal(data)
	})
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", runID, err)
	}
	return report, nil
}

// Last returns up to n reports, newest first.
func (j *Journal) Last(n int) ([]*blockplan.CommitReport, error) {
	if n <= 0 {
		n = 20
	}
	var out []*blockplan.CommitReport
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCommits).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			report := &blockplan.CommitReport{}
			if err := report.Unmarshal(v); err != nil {
				return fmt.Errorf("decode report %s: %w", k, err)
			}
			out = append(out, report)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
