// Package statuspage serves a summary of what the agent is doing, for
// operators pointing a browser at the dispatch port.
//
// Inspired heavily by Google "/statusz" - one public example is at:
// https://github.com/youtube/doorman/blob/master/go/status/status.go
package statuspage

import (
	"context"
	_ "embed"
	"html/template"
	"net/http"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v2"

	"github.com/visionsuit/gpu-agent/internal/renderer"
	"github.com/visionsuit/gpu-agent/version"
)

// maxEntries bounds the job table. Older finished jobs fall off the page;
// the journal under the outputs directory keeps the full record.
const maxEntries = 20

var (
	//go:embed status.html.tmpl
	statusTmplSrc string

	// Errors ignored below, as the status page is "best effort".
	hostname, _ = os.Hostname()
	startTime   = time.Now()

	// The inbuilt template should always parse. Rather than use
	// template.Must, successful parsing is enforced by the smoke tests.
	statusTmpl, _ = template.New("status").Parse(statusTmplSrc)
)

// Entry is one row of the recent-jobs table.
type Entry struct {
	JobID    string
	User     string
	Outcome  string
	Started  time.Time
	Finished time.Time
}

// Duration is how long the job ran, or has been running so far.
func (e Entry) Duration() time.Duration {
	if e.Finished.IsZero() {
		return time.Since(e.Started).Truncate(time.Millisecond)
	}
	return e.Finished.Sub(e.Started).Truncate(time.Millisecond)
}

// Tracker records the jobs this process has executed. Job goroutines write
// entries while page loads range over them, so the map must tolerate
// concurrent access.
type Tracker struct {
	jobs *xsync.MapOf[string, *Entry]
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{jobs: xsync.NewMapOf[*Entry]()}
}

// JobStarted records a freshly accepted job.
func (t *Tracker) JobStarted(jobID, user string) {
	if t == nil {
		return
	}
	t.jobs.Store(jobID, &Entry{
		JobID:   jobID,
		User:    user,
		Outcome: "running",
		Started: time.Now(),
	})
	t.prune()
}

// JobFinished marks a tracked job as done. Entries are replaced, never
// mutated, so a concurrent page load sees either the old or the new value.
func (t *Tracker) JobFinished(jobID string, err error) {
	if t == nil {
		return
	}
	entry, ok := t.jobs.Load(jobID)
	if !ok {
		return
	}
	done := *entry
	done.Finished = time.Now()
	if err != nil {
		done.Outcome = "failed: " + err.Error()
	} else {
		done.Outcome = "done"
	}
	t.jobs.Store(jobID, &done)
}

// Recent returns the tracked jobs, newest first.
func (t *Tracker) Recent() []Entry {
	if t == nil {
		return nil
	}
	entries := make([]Entry, 0, t.jobs.Size())
	t.jobs.Range(func(_ string, entry *Entry) bool {
		entries = append(entries, *entry)
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Started.After(entries[j].Started)
	})
	return entries
}

// prune drops the oldest finished entries once the table overflows. Running
// entries are never dropped.
func (t *Tracker) prune() {
	excess := t.jobs.Size() - maxEntries
	if excess <= 0 {
		return
	}
	finished := make([]Entry, 0, t.jobs.Size())
	t.jobs.Range(func(_ string, entry *Entry) bool {
		if !entry.Finished.IsZero() {
			finished = append(finished, *entry)
		}
		return true
	})
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].Started.Before(finished[j].Started)
	})
	for i := 0; i < len(finished) && i < excess; i++ {
		t.jobs.Delete(finished[i].JobID)
	}
}

// Page renders the status page. The busy and activity callbacks come from
// the job engine; either may be nil.
type Page struct {
	Tracker    *Tracker
	AgentName  string
	InstanceID string
	Busy       func() bool
	Activity   func(context.Context) (*renderer.Activity, error)
}

type statusData struct {
	AgentName    string
	InstanceID   string
	Version      string
	Build        string
	Hostname     string
	PID          int
	RuntimeVer   string
	GOOS         string
	GOARCH       string
	NumGoroutine int
	StartTime    string
	StartTimeAgo time.Duration
	CurrentTime  string

	Busy        bool
	Pending     any
	Running     any
	Jobs        []Entry
	ActivityErr error
}

// Handle handles status page requests.
func (p *Page) Handle(w http.ResponseWriter, r *http.Request) {
	data := &statusData{
		AgentName:    p.AgentName,
		InstanceID:   p.InstanceID,
		Version:      version.Version(),
		Build:        version.BuildNumber(),
		Hostname:     hostname,
		PID:          os.Getpid(),
		RuntimeVer:   runtime.Version(),
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		StartTime:    startTime.Format(time.RFC1123),
		StartTimeAgo: time.Since(startTime).Truncate(time.Second),
		CurrentTime:  time.Now().Format(time.RFC1123),
		Jobs:         p.Tracker.Recent(),
	}
	if p.Busy != nil {
		data.Busy = p.Busy()
	}
	if p.Activity != nil {
		activity, err := p.Activity(r.Context())
		switch {
		case err != nil:
			data.ActivityErr = err
		case activity != nil:
			if activity.Pending != nil {
				data.Pending = *activity.Pending
			}
			if activity.Running != nil {
				data.Running = *activity.Running
			}
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTmpl.Execute(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
