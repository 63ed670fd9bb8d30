package fabric_test

import (
	"testing"
	"time"

	"github.com/openchassis/canbus/bus"
	"github.com/openchassis/canbus/codec"
	"github.com/openchassis/canbus/fabric"
)

func snapshotWith(id uint32) codec.Snapshot {
	return codec.Snapshot{
		Frames: map[uint32]bus.Frame{id: bus.MustFrame(id, []byte{1})},
		Taken:  time.Now(),
	}
}

func TestRegisterIdempotent(t *testing.T) {
	t.Parallel()

	h := fabric.NewHub()
	a := h.Register("topic")
	b := h.Register("topic")
	if a != b {
		t.Error("Register returned distinct channels for the same topic")
	}
	if got := len(h.Topics()); got != 1 {
		t.Errorf("Topics() has %d entries, want 1", got)
	}
}

func TestWriteReachesSubscriber(t *testing.T) {
	t.Parallel()

	h := fabric.NewHub()
	ch, cancel := h.Subscribe("chassis/detail/received")
	defer cancel()

	c := h.Register("chassis/detail/received")
	c.Write(snapshotWith(0x101))
	c.Write(snapshotWith(0x102))

	first := <-ch
	second := <-ch
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("sequence = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	if first.Topic != "chassis/detail/received" {
		t.Errorf("topic = %q", first.Topic)
	}
	if _, ok := second.Snapshot.Frames[0x102]; !ok {
		t.Error("second message missing frame 0x102")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	t.Parallel()

	h := fabric.NewHub()
	received := h.Register("received")
	staged := h.Register("staged")

	chReceived, cancelR := h.Subscribe("received")
	defer cancelR()
	chStaged, cancelS := h.Subscribe("staged")
	defer cancelS()

	received.Write(snapshotWith(0x1))
	staged.Write(snapshotWith(0x2))

	msg := <-chReceived
	if _, ok := msg.Snapshot.Frames[0x1]; !ok {
		t.Error("received topic missing its own snapshot")
	}
	msg = <-chStaged
	if _, ok := msg.Snapshot.Frames[0x2]; !ok {
		t.Error("staged topic missing its own snapshot")
	}

	select {
	case extra := <-chReceived:
		t.Errorf("received topic got cross-topic message %+v", extra)
	default:
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	t.Parallel()

	h := fabric.NewHub()
	c := h.Register("firehose")
	ch, cancel := h.Subscribe("firehose")
	defer cancel()

	// One write past the buffer depth forces the drop.
	for i := 0; i < 200; i++ {
		c.Write(codec.Snapshot{})
	}
	if got := c.Subscribers(); got != 0 {
		t.Fatalf("Subscribers() = %d, want 0 after overflow", got)
	}

	// Drain: the channel must be closed, not blocked.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("dropped subscriber channel never closed")
		}
	}
}

func TestCancelTwice(t *testing.T) {
	t.Parallel()

	h := fabric.NewHub()
	_, cancel := h.Subscribe("topic")
	cancel()
	cancel() // must not panic or close twice
	if got := h.Register("topic").Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d, want 0", got)
	}
}
