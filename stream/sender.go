package stream

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

const defaultWriteTimeout = 10 * time.Second

// RetryPolicy controls what the sender does when a frame fails to write.
// The zero value sends each frame once and drops it on failure, matching
// fire-and-forget streaming.
type RetryPolicy struct {
	// MaxAttempts is the number of times a single frame is written before
	// it is dropped, including the first attempt. Values below 1 are
	// treated as 1.
	MaxAttempts int
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
	// Redial re-establishes the connection before each retry.
	Redial bool
	// WriteTimeout bounds each write so a stalled peer cannot wedge the
	// sender. Zero means defaultWriteTimeout.
	WriteTimeout time.Duration
}

// Sender owns a single persistent TCP connection to the mesh receiver and
// drains the delivery queue to it in FIFO order. No other component
// touches the connection.
type Sender struct {
	addr   string
	policy RetryPolicy
	queue  *Queue
	logger golog.Logger

	conn net.Conn

	sent    int64
	dropped int64

	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewSender dials the receiver eagerly and returns a sender ready to
// Start. A receiver that is not listening is a startup error, not a
// runtime one.
func NewSender(ctx context.Context, addr string, queue *Queue, policy RetryPolicy, logger golog.Logger) (*Sender, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.WriteTimeout == 0 {
		policy.WriteTimeout = defaultWriteTimeout
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "error connecting to mesh receiver at %v", addr)
	}
	return &Sender{
		addr:   addr,
		policy: policy,
		queue:  queue,
		logger: logger,
		conn:   conn,
	}, nil
}

// Start launches the background drain loop.
func (s *Sender) Start(ctx context.Context) {
	cancelCtx, cancelFunc := context.WithCancel(ctx)
	s.cancelFunc = cancelFunc
	s.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		s.run(cancelCtx)
	})
}

func (s *Sender) run(ctx context.Context) {
	for {
		frame, err := s.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				s.logger.Errorw("unexpected error draining delivery queue", "error", err)
			}
			return
		}
		if err := s.send(ctx, frame); err != nil {
			atomic.AddInt64(&s.dropped, 1)
			s.logger.Warnw("dropping mesh frame", "bytes", len(frame), "error", err)
			continue
		}
		atomic.AddInt64(&s.sent, 1)
	}
}

func (s *Sender) send(ctx context.Context, frame []byte) error {
	var err error
	for attempt := 0; attempt < s.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if !goutils.SelectContextOrWait(ctx, s.policy.Backoff) {
				return ctx.Err()
			}
			if s.policy.Redial {
				if dialErr := s.redial(ctx); dialErr != nil {
					err = dialErr
					continue
				}
			}
		}
		if err = s.writeFrame(frame); err == nil {
			return nil
		}
	}
	return errors.Wrapf(err, "failed to send frame after %d attempts", s.policy.MaxAttempts)
}

func (s *Sender) writeFrame(frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.policy.WriteTimeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(frame)
	return err
}

func (s *Sender) redial(ctx context.Context) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "error reconnecting to mesh receiver at %v", s.addr)
	}
	goutils.UncheckedErrorFunc(s.conn.Close)
	s.conn = conn
	return nil
}

// SentFrames reports how many frames have been written successfully.
func (s *Sender) SentFrames() int64 {
	return atomic.LoadInt64(&s.sent)
}

// DroppedFrames reports how many frames were abandoned after the retry
// policy was exhausted.
func (s *Sender) DroppedFrames() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close stops the drain loop and closes the connection. Close the queue
// first to let already queued frames flush: Pop hands out queued frames
// before it observes cancellation, so the loop drains what it can and
// then exits.
func (s *Sender) Close() error {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.activeBackgroundWorkers.Wait()
	return s.conn.Close()
}
