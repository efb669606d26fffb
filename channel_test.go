package amqp

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recordingDriver struct {
	mu   sync.Mutex
	sent []Method
}

func (d *recordingDriver) sendMethod(_ uint16, m Method) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, m)
	return nil
}

func (d *recordingDriver) sendContent(uint16, uint16, []byte, properties) error { return nil }
func (d *recordingDriver) notifyChannelClosed(uint16, *Error)                   {}

func (d *recordingDriver) last() Method {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		return nil
	}
	return d.sent[len(d.sent)-1]
}

func TestChannelQosRoundTrip(t *testing.T) {
	drv := &recordingDriver{}
	ch := newChannel(1, drv, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- ch.Qos(10, 0, false) }()

	waitForSent(t, drv, func(m Method) bool { _, ok := m.(*basicQos); return ok })
	ch.dispatchMethod(&basicQosOk{})

	if err := <-done; err != nil {
		t.Fatalf("Qos: %v", err)
	}
}

func TestChannelPublishBlockedByFlow(t *testing.T) {
	drv := &recordingDriver{}
	ch := newChannel(1, drv, zap.NewNop())
	ch.dispatchMethod(&channelFlow{Active: false})

	if err := ch.Publish("ex", "rk", false, false, Publishing{Body: []byte("x")}); err != ErrBlocked {
		t.Errorf("Publish while blocked = %v, want ErrBlocked", err)
	}
}

func TestChannelConfirmTracking(t *testing.T) {
	drv := &recordingDriver{}
	ch := newChannel(1, drv, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- ch.Confirm(false) }()
	waitForSent(t, drv, func(m Method) bool { _, ok := m.(*confirmSelect); return ok })
	ch.dispatchMethod(&confirmSelectOk{})
	if err := <-done; err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	confirms := ch.NotifyPublish(make(chan Confirmation, 1))

	if err := ch.Publish("ex", "rk", false, false, Publishing{Body: []byte("x")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ch.dispatchMethod(&basicAck{DeliveryTag: 1})

	select {
	case c := <-confirms:
		if !c.Ack || c.DeliveryTag != 1 {
			t.Errorf("confirmation = %+v, want Ack=true DeliveryTag=1", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for confirmation")
	}

	if !ch.WaitForConfirms() {
		t.Error("WaitForConfirms() = false, want true (only acks received)")
	}
}

func TestChannelAnonymousConsumerPairsInOrder(t *testing.T) {
	drv := &recordingDriver{}
	ch := newChannel(1, drv, zap.NewNop())

	deliveries := make(chan Delivery, 1)
	go func() {
		d, err := ch.Subscribe("q", "", false, false, false, false, nil)
		if err != nil {
			return
		}
		for msg := range d {
			deliveries <- msg
		}
	}()

	waitForSent(t, drv, func(m Method) bool { _, ok := m.(*basicConsume); return ok })
	ch.dispatchMethod(&basicConsumeOk{ConsumerTag: "amq.gen-ABC"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sink, ok := ch.consumers.lookup("amq.gen-ABC"); ok && sink != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if sink, ok := ch.consumers.lookup("amq.gen-ABC"); !ok || sink == nil {
		t.Fatal("expected anonymous tag to be bound after consume-ok")
	}

	ch.dispatchMethod(&basicDeliver{ConsumerTag: "amq.gen-ABC", DeliveryTag: 1})
	ch.pendingHeader = &headerFrame{ClassId: classBasic, BodySize: 0}
	ch.completeContent()

	select {
	case d := <-deliveries:
		if d.DeliveryTag != 1 {
			t.Errorf("delivery tag = %d, want 1", d.DeliveryTag)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestChannelTxRoundTrip(t *testing.T) {
	drv := &recordingDriver{}
	ch := newChannel(1, drv, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- ch.TxSelect() }()
	waitForSent(t, drv, func(m Method) bool { _, ok := m.(*txSelect); return ok })
	ch.dispatchMethod(&txSelectOk{})
	if err := <-done; err != nil {
		t.Fatalf("TxSelect: %v", err)
	}

	go func() { done <- ch.TxCommit() }()
	waitForSent(t, drv, func(m Method) bool { _, ok := m.(*txCommit); return ok })
	ch.dispatchMethod(&txCommitOk{})
	if err := <-done; err != nil {
		t.Fatalf("TxCommit: %v", err)
	}

	go func() { done <- ch.TxRollback() }()
	waitForSent(t, drv, func(m Method) bool { _, ok := m.(*txRollback); return ok })
	ch.dispatchMethod(&txRollbackOk{})
	if err := <-done; err != nil {
		t.Fatalf("TxRollback: %v", err)
	}
}

func TestChannelRecoverRoundTrip(t *testing.T) {
	drv := &recordingDriver{}
	ch := newChannel(1, drv, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- ch.Recover(true) }()
	waitForSent(t, drv, func(m Method) bool { r, ok := m.(*basicRecover); return ok && r.Requeue })
	ch.dispatchMethod(&basicRecoverOk{})
	if err := <-done; err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if err := ch.RecoverAsync(false); err != nil {
		t.Fatalf("RecoverAsync: %v", err)
	}
	waitForSent(t, drv, func(m Method) bool { _, ok := m.(*basicRecoverAsync); return ok })
}

func TestChannelDuplicateConsumerTagRejected(t *testing.T) {
	drv := &recordingDriver{}
	ch := newChannel(1, drv, zap.NewNop())

	go func() {
		ch.Subscribe("q", "mine", false, false, false, false, nil)
	}()
	waitForSent(t, drv, func(m Method) bool { _, ok := m.(*basicConsume); return ok })
	ch.dispatchMethod(&basicConsumeOk{ConsumerTag: "mine"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := ch.consumers.lookup("mine"); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := ch.Subscribe("q", "mine", false, false, false, false, nil); err != ErrConsumerTagInUse {
		t.Errorf("second Subscribe with same tag error = %v, want ErrConsumerTagInUse", err)
	}
}

func TestChannelSynchronousCallsSerialize(t *testing.T) {
	drv := &recordingDriver{}
	ch := newChannel(1, drv, zap.NewNop())

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		close(started)
		ch.Qos(1, 0, false)
		close(finished)
	}()
	<-started
	waitForSent(t, drv, func(m Method) bool { _, ok := m.(*basicQos); return ok })

	// A second synchronous call must block behind the first: issuing it
	// before the first reply arrives must not let its request hit the wire.
	secondSent := make(chan struct{})
	go func() {
		ch.ExchangeDeclare("ex", "direct", false, false, false, false, nil)
		close(secondSent)
	}()

	select {
	case <-secondSent:
		t.Fatal("second synchronous call completed before the first was replied to")
	case <-time.After(20 * time.Millisecond):
	}
	if m := drv.last(); m != nil {
		if _, ok := m.(*exchangeDeclare); ok {
			t.Fatal("second synchronous call's method reached the wire before the first completed")
		}
	}

	ch.dispatchMethod(&basicQosOk{})
	<-finished

	waitForSent(t, drv, func(m Method) bool { _, ok := m.(*exchangeDeclare); return ok })
	ch.dispatchMethod(&exchangeDeclareOk{})
	<-secondSent
}

func waitForSent(t *testing.T, drv *recordingDriver, match func(Method) bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m := drv.last(); m != nil && match(m) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for expected method to be sent")
}
