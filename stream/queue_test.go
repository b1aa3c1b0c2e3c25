package stream_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/densefusion/meshstream/stream"
)

func TestQueueFIFO(t *testing.T) {
	t.Run("sequential", func(t *testing.T) {
		q := stream.NewQueue()
		q.Push([]byte("m1"))
		q.Push([]byte("m2"))
		q.Push([]byte("m3"))
		test.That(t, q.Len(), test.ShouldEqual, 3)

		for _, want := range []string{"m1", "m2", "m3"} {
			frame, err := q.Pop(context.Background())
			test.That(t, err, test.ShouldBeNil)
			test.That(t, string(frame), test.ShouldEqual, want)
		}
		test.That(t, q.Len(), test.ShouldEqual, 0)
	})

	t.Run("concurrent producer", func(t *testing.T) {
		q := stream.NewQueue()
		const n = 100

		go func() {
			for i := 0; i < n; i++ {
				q.Push([]byte(fmt.Sprintf("frame-%03d", i)))
				if i%10 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}()

		for i := 0; i < n; i++ {
			frame, err := q.Pop(context.Background())
			test.That(t, err, test.ShouldBeNil)
			test.That(t, string(frame), test.ShouldEqual, fmt.Sprintf("frame-%03d", i))
		}
	})
}

func TestQueuePopBlocks(t *testing.T) {
	q := stream.NewQueue()
	result := make(chan []byte)

	go func() {
		frame, err := q.Pop(context.Background())
		if err == nil {
			result <- frame
		}
	}()

	select {
	case <-result:
		t.Fatal("pop returned before a frame was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push([]byte("late"))
	select {
	case frame := <-result:
		test.That(t, string(frame), test.ShouldEqual, "late")
	case <-time.After(time.Second):
		t.Fatal("pop did not observe the push")
	}
}

func TestQueueClose(t *testing.T) {
	t.Run("drains queued frames before reporting closed", func(t *testing.T) {
		q := stream.NewQueue()
		q.Push([]byte("before"))
		q.Close()

		frame, err := q.Pop(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(frame), test.ShouldEqual, "before")

		_, err = q.Pop(context.Background())
		test.That(t, errors.Is(err, stream.ErrQueueClosed), test.ShouldBeTrue)
	})

	t.Run("pushes after close are discarded", func(t *testing.T) {
		q := stream.NewQueue()
		q.Close()
		q.Push([]byte("ignored"))
		test.That(t, q.Len(), test.ShouldEqual, 0)
	})

	t.Run("close wakes blocked consumers", func(t *testing.T) {
		q := stream.NewQueue()
		errs := make(chan error)
		go func() {
			_, err := q.Pop(context.Background())
			errs <- err
		}()
		time.Sleep(10 * time.Millisecond)
		q.Close()
		select {
		case err := <-errs:
			test.That(t, errors.Is(err, stream.ErrQueueClosed), test.ShouldBeTrue)
		case <-time.After(time.Second):
			t.Fatal("pop did not observe close")
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		q := stream.NewQueue()
		q.Close()
		q.Close()
	})
}

func TestQueuePopContext(t *testing.T) {
	t.Run("cancellation unblocks pop", func(t *testing.T) {
		q := stream.NewQueue()
		ctx, cancel := context.WithCancel(context.Background())
		errs := make(chan error)
		go func() {
			_, err := q.Pop(ctx)
			errs <- err
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()
		select {
		case err := <-errs:
			test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
		case <-time.After(time.Second):
			t.Fatal("pop did not observe cancellation")
		}
	})

	t.Run("queued frames are returned even after cancellation", func(t *testing.T) {
		q := stream.NewQueue()
		q.Push([]byte("still here"))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		frame, err := q.Pop(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(frame), test.ShouldEqual, "still here")
	})
}
