package gateway

import "chatgate/service/metrics"

type fanoutJob struct {
	conns   []*Client
	payload []byte
}

// localFanout delivers one payload to many local sockets through a small
// worker pool, so one broadcast never runs on the broker callback goroutine.
type localFanout struct {
	jobs chan fanoutJob
}

func newLocalFanout(workers, queue int) *localFanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &localFanout{jobs: make(chan fanoutJob, queue)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range f.jobs {
				for _, c := range job.conns {
					if c.Enqueue(job.payload) {
						metrics.MessagesOut.Inc()
					}
					// Slow client: skipped; catch-up replay covers the gap.
				}
			}
		}()
	}
	return f
}

func (f *localFanout) Broadcast(conns []*Client, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	f.jobs <- fanoutJob{conns: conns, payload: payload}
}
