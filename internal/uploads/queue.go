package uploads

import (
	"context"
	"fmt"
	"mime"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/workerpool"
)

var log = logging.L("uploads")

const (
	DefaultDoneLinger  = 6 * time.Second
	DefaultErrorLinger = 10 * time.Second
	DefaultTimeout     = 10 * time.Minute
)

type Options struct {
	DoneLinger  time.Duration
	ErrorLinger time.Duration
	// Timeout bounds a single transfer.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DoneLinger <= 0 {
		o.DoneLinger = DefaultDoneLinger
	}
	if o.ErrorLinger <= 0 {
		o.ErrorLinger = DefaultErrorLinger
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

type eventKind int

const (
	eventSettled eventKind = iota
	eventRemove
)

type event struct {
	kind eventKind
	id   TaskID
	err  error
}

// Queue owns the task list. Enqueue registers a task synchronously; every
// later change arrives as an event handled by a single loop goroutine, and
// each event only touches the task it names.
type Queue struct {
	store Store
	opts  Options
	pool  *workerpool.Pool

	nextID atomic.Uint64
	active atomic.Int64

	mu     sync.RWMutex
	tasks  []Task
	closed bool

	subMu   sync.Mutex
	subs    map[int]chan []Task
	nextSub int

	events   chan event
	stop     chan struct{}
	loopDone chan struct{}
	timersWg sync.WaitGroup

	closeOnce sync.Once
}

// NewQueue starts a queue delivering to store.
func NewQueue(store Store, opts Options) *Queue {
	q := &Queue{
		store:    store,
		opts:     opts.withDefaults(),
		pool:     workerpool.New("uploads"),
		subs:     make(map[int]chan []Task),
		events:   make(chan event, 64),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Enqueue registers an Uploading task for the artifact, starts its transfer
// in the background and returns at once. There is no bound on concurrent
// transfers and failed transfers are not retried. A closed queue drops the
// artifact and returns 0, which is never a valid task id.
func (q *Queue) Enqueue(payload []byte, filename string, meta Metadata) TaskID {
	art := Artifact{
		Filename:    filename,
		ContentType: contentType(filename),
		Data:        payload,
		Meta:        meta,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		log.Warn("enqueue after close, dropping artifact", logging.KeyFilename, filename, logging.KeyError, ErrQueueClosed)
		return 0
	}
	id := TaskID(q.nextID.Add(1))
	q.tasks = append(q.tasks, Task{ID: id, Filename: filename, Status: StatusUploading})
	q.active.Add(1)
	q.mu.Unlock()
	q.publish()

	tlog := logging.WithTask(log, uint64(id), filename)
	tlog.Info("upload queued", "bytes", len(payload), "store", q.store.Name())

	if !q.pool.Submit(func(ctx context.Context) { q.transfer(ctx, id, art) }) {
		q.send(event{kind: eventSettled, id: id, err: ErrQueueClosed})
	}
	return id
}

func (q *Queue) transfer(ctx context.Context, id TaskID, art Artifact) {
	tlog := logging.WithTask(log, uint64(id), art.Filename)
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upload panicked: %v", r)
		}
		if err != nil {
			tlog.Error("upload failed", logging.KeyError, err, logging.KeyDurationMs, time.Since(start).Milliseconds())
		} else {
			tlog.Info("upload complete", logging.KeyDurationMs, time.Since(start).Milliseconds())
		}
		q.send(event{kind: eventSettled, id: id, err: err})
	}()

	tctx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	defer cancel()
	err = q.store.Put(tctx, art)
}

// send delivers an event to the loop unless the queue has shut down.
func (q *Queue) send(ev event) {
	select {
	case q.events <- ev:
	case <-q.stop:
	}
}

func (q *Queue) loop() {
	defer close(q.loopDone)
	for {
		select {
		case ev := <-q.events:
			q.handle(ev)
		case <-q.stop:
			// Settle whatever is already buffered so no task stays
			// Uploading after Close.
			for {
				select {
				case ev := <-q.events:
					q.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) handle(ev event) {
	switch ev.kind {
	case eventSettled:
		status := StatusDone
		linger := q.opts.DoneLinger
		if ev.err != nil {
			status = StatusError
			linger = q.opts.ErrorLinger
		}
		if !q.settle(ev.id, status) {
			return
		}
		q.active.Add(-1)
		q.publish()
		q.removeAfter(ev.id, linger)
	case eventRemove:
		if q.remove(ev.id) {
			q.publish()
		}
	}
}

// settle moves a task out of Uploading. Tasks already settled are left alone.
func (q *Queue) settle(id TaskID, status Status) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.tasks {
		if q.tasks[i].ID != id {
			continue
		}
		if q.tasks[i].Status != StatusUploading {
			return false
		}
		q.tasks[i].Status = status
		return true
	}
	return false
}

func (q *Queue) remove(id TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.tasks {
		if q.tasks[i].ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) removeAfter(id TaskID, d time.Duration) {
	q.timersWg.Add(1)
	go func() {
		defer q.timersWg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			q.send(event{kind: eventRemove, id: id})
		case <-q.stop:
		}
	}()
}

// Tasks returns the current tasks in insertion order.
func (q *Queue) Tasks() []Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]Task(nil), q.tasks...)
}

// ActiveCount returns the number of tasks still Uploading.
func (q *Queue) ActiveCount() int {
	return int(q.active.Load())
}

// Subscribe returns a channel receiving a snapshot of the task list now and
// after every change. Slow subscribers only see the latest snapshot. The
// returned func unsubscribes.
func (q *Queue) Subscribe() (<-chan []Task, func()) {
	ch := make(chan []Task, 1)
	q.subMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = ch
	offer(ch, q.Tasks())
	q.subMu.Unlock()

	return ch, func() {
		q.subMu.Lock()
		delete(q.subs, id)
		q.subMu.Unlock()
	}
}

// publish snapshots under subMu so subscribers never see an older list
// after a newer one.
func (q *Queue) publish() {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	snap := q.Tasks()
	for _, ch := range q.subs {
		offer(ch, snap)
	}
}

// offer replaces any unread snapshot with snap.
func offer(ch chan []Task, snap []Task) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Close stops accepting artifacts and waits for in-flight transfers until
// ctx expires. Lingering terminal tasks are dropped with the queue.
func (q *Queue) Close(ctx context.Context) error {
	var err error
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		if n := q.ActiveCount(); n > 0 {
			log.Info("waiting for uploads to finish", "active", n)
		}
		if derr := q.pool.Drain(ctx); derr != nil {
			err = fmt.Errorf("%d uploads still in flight: %w", q.pool.InFlight(), derr)
		}
		close(q.stop)
		<-q.loopDone
		q.timersWg.Wait()
		if err != nil {
			log.Warn("closed with uploads still in flight", logging.KeyError, err)
		}
	})
	return err
}

func contentType(filename string) string {
	switch ext := path.Ext(filename); ext {
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mp4":
		return "video/mp4"
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}
