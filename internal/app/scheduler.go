package app

import (
	"time"

	"github.com/barryq93/promSQL/internal/db"
)

type scheduledJob struct {
	job     QueryJob
	query   *db.Query
	nextRun time.Time
}

// newScheduledJob returns a job due immediately for interval queries and at
// the next matching time for cron schedules.
func newScheduledJob(q *db.Query, job QueryJob, now time.Time) *scheduledJob {
	sj := &scheduledJob{job: job, query: q, nextRun: now}
	if q.Schedule() != "" {
		sj.nextRun = q.NextRun(now)
	}
	return sj
}

func (sj *scheduledJob) due(now time.Time) bool {
	return !now.Before(sj.nextRun)
}

func (sj *scheduledJob) advance(now time.Time) {
	if sj.query.Schedule() != "" {
		sj.nextRun = sj.query.NextRun(now)
		return
	}
	sj.nextRun = now.Add(sj.query.Interval())
}

// scheduleQueries submits periodic queries of st until its context is
// cancelled or the application shuts down.
func (app *Application) scheduleQueries(st *state) {
	now := time.Now()
	var jobs []*scheduledJob
	for _, job := range st.jobs(func(q *db.Query) bool { return q.CheckPeriodic() }) {
		jobs = append(jobs, newScheduledJob(st.queries[job.QueryName], job, now))
	}
	app.logger.WithField("jobs", len(jobs)).Info("Scheduling periodic queries")

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		app.runDue(jobs, time.Now())
		for {
			select {
			case now := <-ticker.C:
				app.runDue(jobs, now)
			case <-st.ctx.Done():
				return
			case <-app.shutdown:
				return
			}
		}
	}()
}

func (app *Application) runDue(jobs []*scheduledJob, now time.Time) {
	for _, sj := range jobs {
		if sj.due(now) {
			app.submit(sj.job)
			sj.advance(now)
		}
	}
}
