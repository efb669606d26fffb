package amqp

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/relaygo/amqp/internal/metrics"
)

// driver is the narrow interface Channel uses to reach the outside world:
// a real connection drives it over the wire, tests drive it directly
// in-process without any socket in between.
type driver interface {
	sendMethod(channel uint16, m Method) error
	sendContent(channel uint16, classId uint16, body []byte, props properties) error
	notifyChannelClosed(channel uint16, err *Error)
}

// Channel is the channel state machine: a single FIFO of outstanding
// synchronous calls, a consumer-tag registry, flow-control gating of
// content-bearing calls, and publisher-confirm tracking.
type Channel struct {
	number uint16
	conn   driver
	logger *zap.Logger

	rpc chan Method // completed synchronous call replies land here

	callMu sync.Mutex // held across write-then-wait of a synchronous call: at most one outstanding per channel
	sendMu sync.Mutex // serializes frame writes for this channel
	anonMu sync.Mutex // serializes tag-less Subscribe calls so parked sinks pair with consume-ok in order

	m          sync.Mutex
	flowActive bool
	closed     bool
	closing    bool
	closeErr   *Error

	consumers *consumerRegistry

	confirmMu    sync.Mutex
	confirming   bool
	publishSeq   uint64
	unconfirmed  map[uint64]bool // true once settled
	onlyAcks     bool
	confirmChans []chan Confirmation

	returnChans []chan Return
	flowChans   []chan bool
	closeChans  []chan *Error

	pendingHeader *headerFrame
	pendingBody   []byte
	pendingMethod Method // method awaiting its content (publish/return/deliver/get-ok)
	pendingGet    chan contentResult

	doneCh chan struct{}
}

type contentResult struct {
	props properties
	body  []byte
}

func newChannel(number uint16, conn driver, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		number:      number,
		conn:        conn,
		logger:      namedLogger(logger, "channel"),
		rpc:         make(chan Method),
		flowActive:  true,
		consumers:   newConsumerRegistry(),
		unconfirmed: map[uint64]bool{},
		doneCh:      make(chan struct{}),
	}
}

// call sends req and, if req is synchronous, blocks for the matching
// reply, type-checking it against res. Asynchronous methods (including
// NoWait variants) return as soon as the frame is written. Synchronous
// calls hold callMu across the full write-then-wait so at most one is
// outstanding on this channel at a time, matching the broker's own
// assumption that a channel never has more than one pending RPC.
func (ch *Channel) call(req Method, res ...Method) (Method, error) {
	ch.m.Lock()
	if ch.closed {
		err := ch.closeErr
		ch.m.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
	if ch.closing && !isCloseRelated(req) {
		ch.m.Unlock()
		return nil, ErrClosing
	}
	if isConnectionClass(req) {
		ch.m.Unlock()
		return nil, ErrConnectionMethodsNotAllowed
	}
	if isContentBearing(req) && !ch.flowActive {
		ch.m.Unlock()
		return nil, ErrBlocked
	}
	ch.m.Unlock()

	sync := isSynchronous(req)
	if sync {
		ch.callMu.Lock()
		defer ch.callMu.Unlock()
	}

	ch.sendMu.Lock()
	err := ch.conn.sendMethod(ch.number, req)
	ch.sendMu.Unlock()
	if err != nil {
		return nil, err
	}

	if !sync {
		return nil, nil
	}

	reply, ok := <-ch.rpc
	if !ok {
		metrics.RPCTotal.WithLabelValues("failed").Inc()
		ch.m.Lock()
		err := ch.closeErr
		ch.m.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}

	if len(res) > 0 {
		for _, want := range res {
			if reflect.TypeOf(reply) == reflect.TypeOf(want) {
				metrics.RPCTotal.WithLabelValues("completed").Inc()
				return reply, nil
			}
		}
		metrics.RPCTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: unexpected reply %T", ErrCommandInvalid, reply)
	}
	metrics.RPCTotal.WithLabelValues("completed").Inc()
	return reply, nil
}

func isCloseRelated(m Method) bool {
	switch m.(type) {
	case *channelClose, *channelCloseOk:
		return true
	}
	return false
}

// Publish sends a message. Publishing is a content-bearing, always
// asynchronous call; confirmation (if the channel is in confirm mode)
// arrives later via a registered Confirmation listener.
func (ch *Channel) Publish(exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	ch.m.Lock()
	if ch.closed {
		err := ch.closeErr
		ch.m.Unlock()
		if err != nil {
			return err
		}
		return ErrClosed
	}
	if ch.closing {
		ch.m.Unlock()
		return ErrClosing
	}
	if !ch.flowActive {
		ch.m.Unlock()
		return ErrBlocked
	}
	ch.m.Unlock()

	ch.confirmMu.Lock()
	if ch.confirming {
		ch.publishSeq++
		ch.unconfirmed[ch.publishSeq] = false
	}
	ch.confirmMu.Unlock()

	req := &basicPublish{Exchange: exchange, RoutingKey: routingKey, Mandatory: mandatory, Immediate: immediate}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	if err := ch.conn.sendMethod(ch.number, req); err != nil {
		return err
	}
	return ch.conn.sendContent(ch.number, classBasic, msg.Body, msg.props())
}

// Qos sets the prefetch limits for this channel (global=false) or the
// whole connection (global=true).
func (ch *Channel) Qos(prefetchCount int, prefetchSize int, global bool) error {
	_, err := ch.call(&basicQos{
		PrefetchSize:  uint32(prefetchSize),
		PrefetchCount: uint16(prefetchCount),
		Global:        global,
	}, &basicQosOk{})
	return err
}

// ExchangeDeclare declares an exchange.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args Table) error {
	_, err := ch.call(&exchangeDeclare{
		Exchange: name, Type: kind, Durable: durable, AutoDelete: autoDelete,
		Internal: internal, NoWait: noWait, Arguments: args,
	}, &exchangeDeclareOk{})
	return err
}

// QueueDeclare declares a queue and reports the server's view of it.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args Table) (queueDeclareOk, error) {
	reply, err := ch.call(&queueDeclare{
		Queue: name, Durable: durable, AutoDelete: autoDelete,
		Exclusive: exclusive, NoWait: noWait, Arguments: args,
	}, &queueDeclareOk{})
	if err != nil {
		return queueDeclareOk{}, err
	}
	if ok, isOk := reply.(*queueDeclareOk); isOk {
		return *ok, nil
	}
	return queueDeclareOk{Queue: name}, nil
}

// QueueBind binds a queue to an exchange with a routing key.
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args Table) error {
	_, err := ch.call(&queueBind{Queue: name, Exchange: exchange, RoutingKey: key, NoWait: noWait, Arguments: args}, &queueBindOk{})
	return err
}

// Get performs a one-shot poll of a queue with no consumer attached.
// The bool return is false when the queue was empty (basic.get-empty).
func (ch *Channel) Get(queue string, noAck bool) (Delivery, bool, error) {
	ch.m.Lock()
	ch.pendingGet = make(chan contentResult, 1)
	ch.m.Unlock()

	reply, err := ch.call(&basicGet{Queue: queue, NoAck: noAck}, &basicGetOk{}, &basicGetEmpty{})
	if err != nil {
		return Delivery{}, false, err
	}
	ok, isOk := reply.(*basicGetOk)
	if !isOk {
		return Delivery{}, false, nil
	}

	var result contentResult
	select {
	case result = <-ch.pendingGet:
	case <-ch.doneCh:
		return Delivery{}, false, ErrClosed
	}

	deliver := &basicDeliver{DeliveryTag: ok.DeliveryTag, Redelivered: ok.Redelivered, Exchange: ok.Exchange, RoutingKey: ok.RoutingKey}
	return newDelivery(ch, deliver, result.props, result.body), true, nil
}

// Subscribe registers a consumer and returns a channel of Deliveries fed
// by the built-in forwarding sink. tag == "" requests an anonymous
// subscription; the broker-assigned tag is paired through the RPC FIFO.
func (ch *Channel) Subscribe(queue, tag string, autoAck, exclusive, noLocal, noWait bool, args Table) (<-chan Delivery, error) {
	sink := newForwardingSink(tag, 16)

	if tag != "" {
		if err := ch.consumers.bindNew(tag, sink); err != nil {
			return nil, err
		}
	} else {
		ch.anonMu.Lock()
		defer ch.anonMu.Unlock()
		ch.consumers.enqueueAnonymous(sink)
	}

	reply, err := ch.call(&basicConsume{
		Queue: queue, ConsumerTag: tag, NoLocal: noLocal, NoAck: autoAck,
		Exclusive: exclusive, NoWait: noWait, Arguments: args,
	}, &basicConsumeOk{})
	if err != nil {
		if tag != "" {
			ch.consumers.remove(tag)
		}
		return nil, err
	}

	assigned := tag
	if ok, isOk := reply.(*basicConsumeOk); isOk {
		assigned = ok.ConsumerTag
	}
	if tag == "" {
		ch.consumers.assignAnonymous(assigned)
	}
	sink.OnConsumeOk(assigned)

	return sink.deliveries(), nil
}

// Cancel ends a subscription.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	_, err := ch.call(&basicCancel{ConsumerTag: tag, NoWait: noWait}, &basicCancelOk{})
	ch.consumers.remove(tag)
	return err
}

// Ack/Nack/Reject implement Acknowledger so a Delivery can settle itself.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.cast(&basicAck{DeliveryTag: tag, Multiple: multiple})
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.cast(&basicNack{DeliveryTag: tag, Multiple: multiple, Requeue: requeue})
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.cast(&basicReject{DeliveryTag: tag, Requeue: requeue})
}

func (ch *Channel) cast(m Method) error {
	ch.m.Lock()
	if ch.closed {
		ch.m.Unlock()
		return ErrClosed
	}
	ch.m.Unlock()
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	return ch.conn.sendMethod(ch.number, m)
}

// Recover asks the broker to redeliver unacknowledged messages on this
// channel, waiting for basic.recover-ok.
func (ch *Channel) Recover(requeue bool) error {
	_, err := ch.call(&basicRecover{Requeue: requeue}, &basicRecoverOk{})
	return err
}

// RecoverAsync is the fire-and-forget variant of Recover: the broker does
// not reply, so this returns as soon as the frame is written.
func (ch *Channel) RecoverAsync(requeue bool) error {
	return ch.cast(&basicRecoverAsync{Requeue: requeue})
}

// TxSelect puts the channel into transactional mode (tx.select). Once
// selected, Publish/Ack/Nack/Reject are held until TxCommit or TxRollback.
func (ch *Channel) TxSelect() error {
	_, err := ch.call(&txSelect{}, &txSelectOk{})
	return err
}

// TxCommit commits the current transaction.
func (ch *Channel) TxCommit() error {
	_, err := ch.call(&txCommit{}, &txCommitOk{})
	return err
}

// TxRollback rolls back the current transaction.
func (ch *Channel) TxRollback() error {
	_, err := ch.call(&txRollback{}, &txRollbackOk{})
	return err
}

// Confirm puts the channel into publisher-confirm mode (confirm.select).
func (ch *Channel) Confirm(noWait bool) error {
	_, err := ch.call(&confirmSelect{NoWait: noWait}, &confirmSelectOk{})
	if err == nil {
		ch.confirmMu.Lock()
		ch.confirming = true
		ch.onlyAcks = true
		ch.confirmMu.Unlock()
	}
	return err
}

// NextPublishSeqno reports the sequence number the next Publish call will
// consume, valid only once the channel is in confirm mode.
func (ch *Channel) NextPublishSeqno() uint64 {
	ch.confirmMu.Lock()
	defer ch.confirmMu.Unlock()
	return ch.publishSeq + 1
}

// NotifyPublish registers c to receive confirm settlements.
func (ch *Channel) NotifyPublish(c chan Confirmation) chan Confirmation {
	ch.confirmMu.Lock()
	defer ch.confirmMu.Unlock()
	ch.confirmChans = append(ch.confirmChans, c)
	return c
}

// NotifyReturn registers c to receive unroutable-message bounces.
func (ch *Channel) NotifyReturn(c chan Return) chan Return {
	ch.m.Lock()
	defer ch.m.Unlock()
	ch.returnChans = append(ch.returnChans, c)
	return c
}

// NotifyFlow registers c to receive channel.flow pause/resume events.
func (ch *Channel) NotifyFlow(c chan bool) chan bool {
	ch.m.Lock()
	defer ch.m.Unlock()
	ch.flowChans = append(ch.flowChans, c)
	return c
}

// NotifyClose registers c to receive the channel's terminal *Error.
func (ch *Channel) NotifyClose(c chan *Error) chan *Error {
	ch.m.Lock()
	defer ch.m.Unlock()
	if ch.closed {
		if ch.closeErr != nil {
			c <- ch.closeErr
		}
		close(c)
		return c
	}
	ch.closeChans = append(ch.closeChans, c)
	return c
}

// WaitForConfirms blocks until every unconfirmed publish on this channel
// has been settled, reporting false if any of them were nacked. On a
// channel that is not in confirm mode it returns false immediately.
func (ch *Channel) WaitForConfirms() bool {
	start := time.Now()
	defer func() { metrics.WaitForConfirmsDuration.Observe(time.Since(start).Seconds()) }()
	for {
		ch.confirmMu.Lock()
		if !ch.confirming {
			ch.confirmMu.Unlock()
			return false
		}
		pending := false
		for _, settled := range ch.unconfirmed {
			if !settled {
				pending = true
				break
			}
		}
		acksOnly := ch.onlyAcks
		if !pending {
			ch.onlyAcks = true
		}
		ch.confirmMu.Unlock()
		if !pending {
			return acksOnly
		}
		time.Sleep(time.Millisecond)
	}
}

// Close requests an orderly channel shutdown, application-initiated. If a
// server-initiated close races with this call, the returned error carries
// the server's close reason.
func (ch *Channel) Close() error {
	ch.m.Lock()
	if ch.closed {
		err := ch.closeErr
		ch.m.Unlock()
		return errOrNil(err)
	}
	ch.closing = true
	ch.m.Unlock()

	_, callErr := ch.call(&channelClose{ReplyCode: ReplySuccess}, &channelCloseOk{})
	ch.shutdown(nil)

	ch.m.Lock()
	raced := ch.closeErr
	ch.m.Unlock()
	return closeAggregate(callErr, errOrNil(raced))
}

// shutdown tears the channel down exactly once, delivering err to every
// registered listener and every live consumer.
func (ch *Channel) shutdown(err *Error) {
	ch.m.Lock()
	if ch.closed {
		ch.m.Unlock()
		return
	}
	ch.closed = true
	ch.closeErr = err
	closeChans := ch.closeChans
	ch.m.Unlock()

	close(ch.rpc)
	close(ch.doneCh)

	for _, c := range closeChans {
		if err != nil {
			c <- err
		}
		close(c)
	}

	ch.consumers.each(func(tag string, sink ConsumerSink) {
		sink.OnTerminate(tag, errOrNil(err))
	})

	ch.confirmMu.Lock()
	for _, c := range ch.confirmChans {
		close(c)
	}
	ch.confirmMu.Unlock()

	for _, c := range ch.flowChans {
		close(c)
	}
	for _, c := range ch.returnChans {
		close(c)
	}

	ch.conn.notifyChannelClosed(ch.number, err)
}

func errOrNil(err *Error) error {
	if err == nil {
		return nil
	}
	return err
}

// recv is the connection's entry point for frames addressed to this
// channel: it reassembles content (header + body) around the method that
// announced it and dispatches the finished unit.
func (ch *Channel) recv(f frame) error {
	switch mf := f.(type) {
	case *methodFrame:
		return ch.dispatchMethod(mf.Method)
	case *headerFrame:
		ch.pendingHeader = mf
		ch.pendingBody = make([]byte, 0, mf.BodySize)
		if uint64(len(ch.pendingBody)) >= mf.BodySize {
			return ch.completeContent()
		}
		return nil
	case *bodyFrame:
		ch.pendingBody = append(ch.pendingBody, mf.Body...)
		if ch.pendingHeader != nil && uint64(len(ch.pendingBody)) >= ch.pendingHeader.BodySize {
			return ch.completeContent()
		}
		return nil
	}
	return nil
}

func (ch *Channel) dispatchMethod(m Method) error {
	switch mm := m.(type) {
	case *channelFlow:
		ch.m.Lock()
		ch.flowActive = mm.Active
		ch.m.Unlock()
		for _, c := range ch.flowChans {
			c <- mm.Active
		}
		ch.sendMu.Lock()
		err := ch.conn.sendMethod(ch.number, &channelFlowOk{Active: mm.Active})
		ch.sendMu.Unlock()
		return err

	case *channelClose:
		err := newError(mm.ReplyCode, mm.ReplyText)
		ch.sendMu.Lock()
		ch.conn.sendMethod(ch.number, &channelCloseOk{})
		ch.sendMu.Unlock()
		ch.shutdown(err)
		return nil

	case *channelCloseOk:
		ch.rpc <- mm
		return nil

	case *basicConsumeOk:
		ch.rpc <- mm
		return nil

	case *basicCancelOk:
		if sink, ok := ch.consumers.lookup(mm.ConsumerTag); ok {
			sink.OnCancelOk(mm.ConsumerTag)
		}
		ch.consumers.remove(mm.ConsumerTag)
		ch.rpc <- mm
		return nil

	case *basicCancel:
		if sink, ok := ch.consumers.lookup(mm.ConsumerTag); ok {
			sink.OnCancel(mm.ConsumerTag)
		}
		ch.consumers.remove(mm.ConsumerTag)
		return nil

	case *basicDeliver:
		ch.pendingMethod = mm
		return nil

	case *basicReturn:
		ch.pendingMethod = mm
		return nil

	case *basicGetOk:
		ch.pendingMethod = mm
		ch.rpc <- mm
		return nil

	case *basicGetEmpty:
		ch.rpc <- mm
		return nil

	case *basicAck:
		ch.settleConfirms(mm.DeliveryTag, mm.Multiple, true)
		return nil

	case *basicNack:
		ch.settleConfirms(mm.DeliveryTag, mm.Multiple, false)
		return nil

	default:
		ch.rpc <- m
		return nil
	}
}

func (ch *Channel) settleConfirms(tag uint64, multiple, ack bool) {
	ch.confirmMu.Lock()
	if !ack {
		ch.onlyAcks = false
	}
	var settled []uint64
	if multiple {
		for t := range ch.unconfirmed {
			if t <= tag {
				ch.unconfirmed[t] = true
				settled = append(settled, t)
			}
		}
	} else {
		if _, ok := ch.unconfirmed[tag]; ok {
			ch.unconfirmed[tag] = true
			settled = append(settled, tag)
		}
	}
	chans := ch.confirmChans
	ch.confirmMu.Unlock()

	for _, t := range settled {
		for _, c := range chans {
			c <- Confirmation{DeliveryTag: t, Ack: ack}
		}
	}
}

// completeContent pairs pendingMethod with the content just finished
// reassembling and routes it to the right place: a delivery to its
// consumer's sink, a return to NotifyReturn listeners, a get-ok's content
// to the Get call waiting on pendingGet.
func (ch *Channel) completeContent() error {
	props := ch.pendingHeader.Properties
	body := ch.pendingBody
	ch.pendingHeader = nil
	ch.pendingBody = nil

	switch mm := ch.pendingMethod.(type) {
	case *basicDeliver:
		ch.pendingMethod = nil
		if sink, ok := ch.consumers.lookup(mm.ConsumerTag); ok {
			sink.OnDeliver(newDelivery(ch, mm, props, body))
		}
		return nil

	case *basicReturn:
		ch.pendingMethod = nil
		ret := newReturn(mm, props, body)
		for _, c := range ch.returnChans {
			c <- ret
		}
		return nil

	case *basicGetOk:
		ch.pendingMethod = nil
		if ch.pendingGet != nil {
			ch.pendingGet <- contentResult{props: props, body: body}
		}
		return nil
	}
	return nil
}

// closeAggregate folds multiple shutdown-time errors into one, used when a
// channel close races with a server-initiated close.
func closeAggregate(errs ...error) error {
	var merged *multierror.Error
	for _, e := range errs {
		if e != nil {
			merged = multierror.Append(merged, e)
		}
	}
	return merged.ErrorOrNil()
}
