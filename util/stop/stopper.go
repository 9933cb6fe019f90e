// Copyright 2022 Bitleaf.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package stop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrUnavailable stopper is not running
	ErrUnavailable = errors.New("stopper is unavailable")
)

var (
	defaultWaitStoppedTimeout = time.Minute
)

type state int32

const (
	running  = state(0)
	stopping = state(1)
)

// Stopper manages tasks that run in their own goroutine, so that they can
// be cancelled and waited for centrally instead of leaking. Stop cancels
// the context passed to every task and waits for all of them to return.
type Stopper struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	atomic struct {
		state  int32
		lastID uint64
	}

	mu struct {
		sync.Mutex
		tasks map[uint64]string
	}
}

// NewStopper create a stopper
func NewStopper() *Stopper {
	s := &Stopper{}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.tasks = make(map[uint64]string)
	return s
}

// RunTask runs a cancelable task, ErrUnavailable returned if the stopper
// is already stopping. See also RunNamedTask.
func (s *Stopper) RunTask(task func(context.Context)) error {
	return s.RunNamedTask("undefined", task)
}

// RunNamedTask runs a cancelable task with a name used in the stop report.
// Example:
// err := s.RunNamedTask("sub-batch", func(ctx context.Context) {
// 	select {
// 	case <-ctx.Done():
// 	// cancelled
// 	case <-doneC:
// 		// completed
// 	}
// })
func (s *Stopper) RunNamedTask(name string, task func(context.Context)) error {
	if state(atomic.LoadInt32(&s.atomic.state)) != running {
		return ErrUnavailable
	}

	id := atomic.AddUint64(&s.atomic.lastID, 1)
	s.mu.Lock()
	s.mu.tasks[id] = name
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.mu.tasks, id)
			s.mu.Unlock()
			s.wg.Done()
		}()
		task(s.ctx)
	}()
	return nil
}

// Stop cancels and waits for all tasks in the default timeout. The names
// of the tasks that did not exit in time are returned for analysis.
func (s *Stopper) Stop() ([]string, error) {
	return s.StopWithTimeout(defaultWaitStoppedTimeout)
}

// StopWithTimeout cancels and waits for all tasks in the specified timeout.
func (s *Stopper) StopWithTimeout(timeout time.Duration) ([]string, error) {
	if !atomic.CompareAndSwapInt32(&s.atomic.state,
		int32(running), int32(stopping)) {
		return nil, nil
	}
	s.cancel()

	c := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(c)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c:
		return nil, nil
	case <-timer.C:
		return s.runningTasks(), errors.New("waiting for tasks to complete timeout")
	}
}

func (s *Stopper) runningTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []string
	for _, name := range s.mu.tasks {
		tasks = append(tasks, name)
	}
	return tasks
}
