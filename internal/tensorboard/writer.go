package tensorboard

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"
)

var fileCounter atomic.Int64

// EventWriter appends events to a TensorBoard event file. Events are queued in memory
// and written when the queue reaches maxQueue, every flushInterval, and on Close.
type EventWriter struct {
	path     string
	maxQueue int

	mu     sync.Mutex
	file   *os.File
	queue  []*Event
	closed bool

	stop chan struct{}
	done chan struct{}
}

func NewEventWriter(dir string, maxQueue int, flushInterval time.Duration) (*EventWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create %q: %w", dir, err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	name := fmt.Sprintf("events.out.tfevents.%d.%s.%d.%d", time.Now().Unix(), host, os.Getpid(), fileCounter.Add(1)-1)
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &EventWriter{
		path:     path,
		maxQueue: max(maxQueue, 1),
		file:     f,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := w.Add(&Event{WallTime: wallTime(time.Now()), FileVersion: fileVersion}); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	go w.flushLoop(flushInterval)
	return w, nil
}

func wallTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func (w *EventWriter) Path() string {
	return w.path
}

func (w *EventWriter) flushLoop(interval time.Duration) {
	defer close(w.done)
	if interval <= 0 {
		<-w.stop
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				klog.Warningf("failed to flush %s: %v", w.path, err)
			}
		case <-w.stop:
			return
		}
	}
}

// Add queues an event, writing the queue out once it is full
func (w *EventWriter) Add(e *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("event writer %s is closed", w.path)
	}
	w.queue = append(w.queue, e)
	if len(w.queue) >= w.maxQueue {
		return w.flushLocked()
	}
	return nil
}

func (w *EventWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.flushLocked()
}

func (w *EventWriter) flushLocked() error {
	if len(w.queue) == 0 {
		return nil
	}
	var b []byte
	for _, e := range w.queue {
		b = appendRecord(b, e.Marshal())
	}
	w.queue = w.queue[:0]
	if _, err := w.file.Write(b); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *EventWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	err := w.flushLocked()
	w.closed = true
	w.mu.Unlock()
	close(w.stop)
	<-w.done
	return errors.Join(err, w.file.Close())
}

// ReadEvents decodes every event of an event file
func ReadEvents(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var events []*Event
	for {
		payload, err := readRecord(r)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		e, err := UnmarshalEvent(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
}
