/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package bulkhead

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/acronis/go-appkit/log/logtest"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
)

const (
	testWaitTimeout  = time.Second * 3
	testWaitInterval = time.Millisecond * 5
)

func testConfig(maxConcurrent, maxQueueSize int, queueTimeout time.Duration) *Config {
	return &Config{
		MaxConcurrent: maxConcurrent,
		MaxQueueSize:  maxQueueSize,
		QueueTimeout:  config.TimeDuration(queueTimeout),
	}
}

// BulkheadTestSuite contains tests for the Bulkhead admission algorithm.
type BulkheadTestSuite struct {
	suite.Suite
}

func TestBulkhead(t *testing.T) {
	suite.Run(t, new(BulkheadTestSuite))
}

func (s *BulkheadTestSuite) TestNew() {
	tests := []struct {
		name           string
		bulkheadName   string
		cfg            *Config
		wantErr        bool
		expectedErrMsg string
	}{
		{
			name:         "valid config",
			bulkheadName: "ai.claude",
			cfg:          testConfig(2, 3, time.Second),
		},
		{
			name:         "nil config uses defaults",
			bulkheadName: "ai.claude",
			cfg:          nil,
		},
		{
			name:         "zero max concurrent is allowed",
			bulkheadName: "ai.claude",
			cfg:          testConfig(0, 3, time.Second),
		},
		{
			name:           "empty name",
			bulkheadName:   "",
			cfg:            testConfig(2, 3, time.Second),
			wantErr:        true,
			expectedErrMsg: "name should not be empty",
		},
		{
			name:           "negative max concurrent",
			bulkheadName:   "ai.claude",
			cfg:            testConfig(-1, 3, time.Second),
			wantErr:        true,
			expectedErrMsg: "max concurrent should not be negative",
		},
		{
			name:           "negative max queue size",
			bulkheadName:   "ai.claude",
			cfg:            testConfig(2, -1, time.Second),
			wantErr:        true,
			expectedErrMsg: "max queue size should not be negative",
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			b, err := New(tt.bulkheadName, tt.cfg, Opts{})
			if tt.wantErr {
				s.Error(err)
				s.Contains(err.Error(), tt.expectedErrMsg)
				s.Nil(b)
				return
			}
			s.NoError(err)
			s.NotNil(b)
			s.Equal(tt.bulkheadName, b.Name())
		})
	}
}

func (s *BulkheadTestSuite) TestNewZeroQueueTimeoutUsesDefault() {
	b, err := New("svc", testConfig(1, 1, 0), Opts{})
	s.NoError(err)
	s.Equal(DefaultQueueTimeout, b.queueTimeout)
}

func (s *BulkheadTestSuite) TestExecuteImmediateAndQueued() {
	b := MustNew("svc", testConfig(2, 3, time.Second*5), Opts{})

	block := make(chan struct{})
	var wg sync.WaitGroup
	runTask := func() {
		defer wg.Done()
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			<-block
			return nil
		})
	}

	wg.Add(2)
	go runTask()
	go runTask()
	s.Require().Eventually(func() bool {
		return b.Stats().ActiveCount == 2
	}, testWaitTimeout, testWaitInterval, "two tasks should run immediately")

	wg.Add(1)
	go runTask()
	s.Require().Eventually(func() bool {
		return b.Stats().QueuedCount == 1
	}, testWaitTimeout, testWaitInterval, "third task should be queued")
	s.Equal(2, b.Stats().ActiveCount)

	close(block)
	wg.Wait()

	stats := b.Stats()
	s.Equal(0, stats.ActiveCount)
	s.Equal(0, stats.QueuedCount)
	s.Equal(int64(3), stats.TotalExecuted)
	s.Equal(int64(0), stats.TotalRejected)
	s.Greater(stats.AvgExecutionTime, time.Duration(0))
	s.Greater(stats.AvgWaitTime, time.Duration(0), "the queued task should contribute a wait time sample")
}

func (s *BulkheadTestSuite) TestExecuteRejectsWhenQueueFull() {
	b := MustNew("svc", testConfig(2, 3, time.Second*5), Opts{})

	block := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(ctx context.Context) error {
				<-block
				return nil
			})
		}()
	}
	s.Require().Eventually(func() bool {
		st := b.Stats()
		return st.ActiveCount == 2 && st.QueuedCount == 3
	}, testWaitTimeout, testWaitInterval)
	s.True(b.Saturated())

	executed := atomic.NewBool(false)
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})
	var queueFullErr *QueueFullError
	s.Require().ErrorAs(err, &queueFullErr)
	s.Equal("svc", queueFullErr.Bulkhead)
	s.False(executed.Load(), "rejected task should never run")
	s.Equal(int64(1), b.Stats().TotalRejected)

	close(block)
	wg.Wait()
	st := b.Stats()
	s.Equal(int64(5), st.TotalExecuted)
	s.Equal(int64(1), st.TotalRejected)
}

func (s *BulkheadTestSuite) TestQueueTimeout() {
	const queueTimeout = time.Millisecond * 100
	b := MustNew("svc", testConfig(1, 2, queueTimeout), Opts{})

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			<-block
			return nil
		})
	}()
	s.Require().Eventually(func() bool {
		return b.Stats().ActiveCount == 1
	}, testWaitTimeout, testWaitInterval)

	executed := atomic.NewBool(false)
	start := time.Now()
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})
	elapsed := time.Since(start)

	var timeoutErr *QueueTimeoutError
	s.Require().ErrorAs(err, &timeoutErr)
	s.Equal("svc", timeoutErr.Bulkhead)
	s.Equal(queueTimeout, timeoutErr.Timeout)
	s.GreaterOrEqual(elapsed, queueTimeout-time.Millisecond*10)
	s.Equal(int64(1), b.Stats().TotalTimeouts)
	s.Equal(0, b.Stats().QueuedCount)

	close(block)
	wg.Wait()
	s.False(executed.Load(), "timed out task should never run afterwards")
	s.Equal(int64(1), b.Stats().TotalExecuted)
}

func (s *BulkheadTestSuite) TestQueuedTasksRunInFIFOOrder() {
	b := MustNew("svc", testConfig(1, 3, time.Second*5), Opts{})

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			<-block
			return nil
		})
	}()
	s.Require().Eventually(func() bool {
		return b.Stats().ActiveCount == 1
	}, testWaitTimeout, testWaitInterval)

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Wait for the task to be enqueued to fix the FIFO order.
		wantQueued := i
		s.Require().Eventually(func() bool {
			return b.Stats().QueuedCount == wantQueued
		}, testWaitTimeout, testWaitInterval)
	}

	close(block)
	wg.Wait()
	s.Equal([]int{1, 2, 3}, order)
}

func (s *BulkheadTestSuite) TestQueuedTaskContextCancellation() {
	b := MustNew("svc", testConfig(1, 2, time.Second*10), Opts{})

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			<-block
			return nil
		})
	}()
	s.Require().Eventually(func() bool {
		return b.Stats().ActiveCount == 1
	}, testWaitTimeout, testWaitInterval)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	executed := atomic.NewBool(false)
	go func() {
		errCh <- b.Execute(ctx, func(ctx context.Context) error {
			executed.Store(true)
			return nil
		})
	}()
	s.Require().Eventually(func() bool {
		return b.Stats().QueuedCount == 1
	}, testWaitTimeout, testWaitInterval)

	cancel()
	select {
	case err := <-errCh:
		s.Require().ErrorIs(err, context.Canceled)
	case <-time.After(testWaitTimeout):
		s.FailNow("canceled task should settle promptly")
	}
	s.Equal(0, b.Stats().QueuedCount)
	s.False(executed.Load())

	close(block)
	wg.Wait()
}

func (s *BulkheadTestSuite) TestTaskErrorIsPassedThrough() {
	b := MustNew("svc", testConfig(1, 1, time.Second), Opts{})
	wantErr := errors.New("task failed")
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	s.Require().ErrorIs(err, wantErr)
	st := b.Stats()
	s.Equal(int64(1), st.TotalExecuted)
	s.Equal(0, st.ActiveCount)
}

func (s *BulkheadTestSuite) TestPanickingTaskReleasesSlot() {
	b := MustNew("svc", testConfig(1, 1, time.Second), Opts{})

	s.Panics(func() {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			panic("boom")
		})
	})

	st := b.Stats()
	s.Equal(0, st.ActiveCount)
	s.Equal(int64(1), st.TotalExecuted)

	// The slot must be usable again.
	s.NoError(b.Execute(context.Background(), func(ctx context.Context) error { return nil }))
}

func (s *BulkheadTestSuite) TestDrain() {
	b := MustNew("svc", testConfig(1, 2, time.Second*10), Opts{})

	block := make(chan struct{})
	activeErrCh := make(chan error, 1)
	go func() {
		activeErrCh <- b.Execute(context.Background(), func(ctx context.Context) error {
			<-block
			return nil
		})
	}()
	s.Require().Eventually(func() bool {
		return b.Stats().ActiveCount == 1
	}, testWaitTimeout, testWaitInterval)

	queuedErrCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			queuedErrCh <- b.Execute(context.Background(), func(ctx context.Context) error { return nil })
		}()
	}
	s.Require().Eventually(func() bool {
		return b.Stats().QueuedCount == 2
	}, testWaitTimeout, testWaitInterval)

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- b.Drain(context.Background())
	}()

	// Queued tasks are settled with DrainingError without being run.
	for i := 0; i < 2; i++ {
		select {
		case err := <-queuedErrCh:
			var drainingErr *DrainingError
			s.Require().ErrorAs(err, &drainingErr)
		case <-time.After(testWaitTimeout):
			s.FailNow("queued tasks should be settled on drain start")
		}
	}

	// Drain must not resolve while a task is still running.
	select {
	case <-drainDone:
		s.FailNow("drain resolved before the active task finished")
	case <-time.After(time.Millisecond * 100):
	}

	close(block)
	s.Require().NoError(<-activeErrCh)
	select {
	case err := <-drainDone:
		s.Require().NoError(err)
	case <-time.After(testWaitTimeout):
		s.FailNow("drain should resolve once the bulkhead is quiescent")
	}

	st := b.Stats()
	s.Equal(0, st.ActiveCount)
	s.Equal(0, st.QueuedCount)

	// New submissions are rejected while draining.
	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	var drainingErr *DrainingError
	s.Require().ErrorAs(err, &drainingErr)

	// Drain is idempotent.
	s.Require().NoError(b.Drain(context.Background()))
}

func (s *BulkheadTestSuite) TestDrainContextExpires() {
	b := MustNew("svc", testConfig(1, 1, time.Second*10), Opts{})

	block := make(chan struct{})
	defer close(block)
	go func() {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			<-block
			return nil
		})
	}()
	s.Require().Eventually(func() bool {
		return b.Stats().ActiveCount == 1
	}, testWaitTimeout, testWaitInterval)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	s.Require().ErrorIs(b.Drain(ctx), context.DeadlineExceeded)
}

func (s *BulkheadTestSuite) TestReset() {
	b := MustNew("svc", testConfig(1, 0, time.Second), Opts{})

	s.NoError(b.Execute(context.Background(), func(ctx context.Context) error { return nil }))

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			<-block
			return nil
		})
	}()
	s.Require().Eventually(func() bool {
		return b.Stats().ActiveCount == 1
	}, testWaitTimeout, testWaitInterval)

	// Queue size is 0, so this one is rejected.
	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	var queueFullErr *QueueFullError
	s.Require().ErrorAs(err, &queueFullErr)

	b.Reset()
	st := b.Stats()
	s.Equal(int64(0), st.TotalExecuted)
	s.Equal(int64(0), st.TotalRejected)
	s.Equal(int64(0), st.TotalTimeouts)
	s.Equal(time.Duration(0), st.AvgExecutionTime)
	s.Equal(time.Duration(0), st.AvgWaitTime)
	s.Equal(1, st.ActiveCount, "reset should not touch the active set")

	close(block)
	wg.Wait()
}

func (s *BulkheadTestSuite) TestSaturated() {
	b := MustNew("svc", testConfig(1, 1, time.Second*5), Opts{})
	s.False(b.Saturated())

	block := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(ctx context.Context) error {
				<-block
				return nil
			})
		}()
	}
	s.Require().Eventually(func() bool {
		st := b.Stats()
		return st.ActiveCount == 1 && st.QueuedCount == 1
	}, testWaitTimeout, testWaitInterval)
	s.True(b.Saturated())

	close(block)
	wg.Wait()
	s.False(b.Saturated())
}

func (s *BulkheadTestSuite) TestConcurrentInvariantsHold() {
	const (
		maxConcurrent = 3
		maxQueueSize  = 5
		totalTasks    = 60
	)
	b := MustNew("svc", testConfig(maxConcurrent, maxQueueSize, time.Millisecond*50), Opts{})

	stop := make(chan struct{})
	violations := atomic.NewInt64(0)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			st := b.Stats()
			if st.ActiveCount > maxConcurrent || st.QueuedCount > maxQueueSize {
				violations.Inc()
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < totalTasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(ctx context.Context) error {
				time.Sleep(time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()
	close(stop)

	s.Equal(int64(0), violations.Load())
	st := b.Stats()
	s.Equal(0, st.ActiveCount)
	s.Equal(0, st.QueuedCount)
	s.Equal(int64(totalTasks), st.TotalExecuted+st.TotalRejected+st.TotalTimeouts,
		"every task should be settled exactly once")
}

func TestBulkheadLogsLifecycleEvents(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	b := MustNew("ai.claude", testConfig(1, 0, time.Second), Opts{Logger: logRecorder})

	created, found := logRecorder.FindEntry("bulkhead created")
	require.True(t, found)
	nameField, found := created.FindField(LogFieldBulkhead)
	require.True(t, found)
	require.Equal(t, "ai.claude", string(nameField.Bytes))

	require.NoError(t, b.Drain(context.Background()))
	_, found = logRecorder.FindEntry("bulkhead drain finished")
	require.True(t, found)
}
