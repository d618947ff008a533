package jobs

import (
	"context"
	"time"

	"github.com/halverson/courier/pkg/driver"
	apperrors "github.com/halverson/courier/pkg/errors"
	"github.com/halverson/courier/pkg/metrics"
	"github.com/halverson/courier/pkg/queue"
	"github.com/halverson/courier/pkg/storage"
)

// runFetch extracts the session's contact list and stores it on the job
// log. Fetches are all-or-nothing; there is no partial progress to
// checkpoint.
func (d *Dispatcher) runFetch(ctx context.Context, job *storage.JobRecord, entry *queue.Entry, sess driver.Session) error {
	start := time.Now()
	contacts, err := sess.FetchContacts(ctx)
	metrics.DriverOpDuration.WithLabelValues("fetch_contacts").Observe(time.Since(start).Seconds())
	if err != nil {
		return d.handleExecError(ctx, job, entry, err)
	}

	if contacts == nil {
		contacts = []driver.Contact{}
	}
	if err := d.store.AppendJobLog(job.ID, map[string]any{
		logKeyContacts: contacts,
		logKeyCount:    len(contacts),
	}); err != nil {
		return d.handleExecError(ctx, job, entry,
			apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to record contacts").WithRetryable(true))
	}

	metrics.ContactsFetched.Add(float64(len(contacts)))
	d.complete(ctx, job)
	return nil
}
