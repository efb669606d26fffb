package amqp

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

// brokerHandshake runs the server side of the connection handshake over an
// in-memory net.Pipe, leaving conn ready for channel traffic. It reports
// whether the handshake completed so callers can bail out early on failure.
func brokerHandshake(t *testing.T, conn net.Conn) (*byteReader, bool) {
	t.Helper()
	rd := newByteReader(conn)

	header := make([]byte, 8)
	if _, err := readExactly(conn, header); err != nil {
		t.Logf("broker: read protocol header: %v", err)
		return rd, false
	}

	writeFrame(conn, &methodFrame{ChannelId: 0, Method: &connectionStart{
		VersionMajor: 0, VersionMinor: 9,
		ServerProperties: Table{},
		Mechanisms:       "PLAIN",
		Locales:          "en_US",
	}})

	f, err := readFrame(rd)
	if err != nil {
		t.Logf("broker: read start-ok: %v", err)
		return rd, false
	}
	if _, ok := f.(*methodFrame).Method.(*connectionStartOk); !ok {
		t.Errorf("broker: expected connection.start-ok, got %T", f.(*methodFrame).Method)
	}

	writeFrame(conn, &methodFrame{ChannelId: 0, Method: &connectionTune{
		ChannelMax: 10, FrameMax: 4096, Heartbeat: 0,
	}})

	if _, err := readFrame(rd); err != nil {
		t.Logf("broker: read tune-ok: %v", err)
		return rd, false
	}

	f, err = readFrame(rd)
	if err != nil {
		t.Logf("broker: read open: %v", err)
		return rd, false
	}
	if _, ok := f.(*methodFrame).Method.(*connectionOpen); !ok {
		t.Errorf("broker: expected connection.open, got %T", f.(*methodFrame).Method)
	}

	writeFrame(conn, &methodFrame{ChannelId: 0, Method: &connectionOpenOk{}})
	return rd, true
}

// brokerOpenChannel reads a channel.open for number and replies with
// channel.open-ok, returning the channel number the client used.
func brokerOpenChannel(t *testing.T, conn net.Conn, rd *byteReader) (uint16, bool) {
	t.Helper()
	f, err := readFrame(rd)
	if err != nil {
		t.Logf("broker: read channel.open: %v", err)
		return 0, false
	}
	mf := f.(*methodFrame)
	if _, ok := mf.Method.(*channelOpen); !ok {
		t.Errorf("broker: expected channel.open, got %T", mf.Method)
		return 0, false
	}
	writeFrame(conn, &methodFrame{ChannelId: mf.ChannelId, Method: &channelOpenOk{}})
	return mf.ChannelId, true
}

// fakeBroker runs just enough of the server side, over an in-memory
// net.Pipe, to open a connection and a channel, answer one basic.consume,
// and echo one publish back as a delivery.
func fakeBroker(t *testing.T, conn net.Conn) {
	t.Helper()
	rd, ok := brokerHandshake(t, conn)
	if !ok {
		return
	}

	// channel.open / channel.open-ok
	f, err := readFrame(rd)
	if err != nil {
		t.Logf("broker: read channel.open: %v", err)
		return
	}
	mf := f.(*methodFrame)
	if _, ok := mf.Method.(*channelOpen); !ok {
		t.Errorf("broker: expected channel.open, got %T", mf.Method)
		return
	}
	writeFrame(conn, &methodFrame{ChannelId: mf.ChannelId, Method: &channelOpenOk{}})

	// basic.consume / basic.consume-ok for the client's subscription.
	f, err = readFrame(rd)
	if err != nil {
		return
	}
	mf = f.(*methodFrame)
	consume, ok := mf.Method.(*basicConsume)
	if !ok {
		t.Errorf("broker: expected basic.consume, got %T", mf.Method)
		return
	}
	writeFrame(conn, &methodFrame{ChannelId: mf.ChannelId, Method: &basicConsumeOk{ConsumerTag: consume.ConsumerTag}})

	// basic.publish + content, echoed back as a delivery on the same channel.
	f, err = readFrame(rd)
	if err != nil {
		return
	}
	mf = f.(*methodFrame)
	pub, ok := mf.Method.(*basicPublish)
	if !ok {
		t.Errorf("broker: expected basic.publish, got %T", mf.Method)
		return
	}
	hf, err := readFrame(rd)
	if err != nil {
		return
	}
	header2 := hf.(*headerFrame)
	body := make([]byte, 0, header2.BodySize)
	for uint64(len(body)) < header2.BodySize {
		bf, err := readFrame(rd)
		if err != nil {
			return
		}
		body = append(body, bf.(*bodyFrame).Body...)
	}

	writeFrame(conn, &methodFrame{ChannelId: mf.ChannelId, Method: &basicDeliver{
		ConsumerTag: "ctag", DeliveryTag: 1, Exchange: pub.Exchange, RoutingKey: pub.RoutingKey,
	}})
	writeFrame(conn, &headerFrame{ChannelId: mf.ChannelId, ClassId: classBasic, BodySize: uint64(len(body)), Properties: header2.Properties})
	writeFrame(conn, &bodyFrame{ChannelId: mf.ChannelId, Body: body})
}

func readExactly(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestConnectionHandshakeAndRoundTripPublish(t *testing.T) {
	client, server := net.Pipe()
	go fakeBroker(t, server)

	conn, err := Open(client, Config{
		Logger:    zap.NewNop(),
		Heartbeat: -1,
		SASL:      []Authentication{&PlainAuth{Username: "guest", Password: "guest"}},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}

	deliveries, err := ch.Subscribe("q", "ctag", true, false, false, false, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_ = deliveries

	if err := ch.Publish("ex", "rk", false, false, Publishing{Body: []byte("payload")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case d := <-deliveries:
		if string(d.Body) != "payload" {
			t.Errorf("delivery body = %q, want %q", d.Body, "payload")
		}
		if d.RoutingKey != "rk" {
			t.Errorf("delivery routing key = %q, want rk", d.RoutingKey)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for round-tripped delivery")
	}
}

func dialFake(t *testing.T, broker func(t *testing.T, conn net.Conn)) *Connection {
	t.Helper()
	client, server := net.Pipe()
	go broker(t, server)

	conn, err := Open(client, Config{
		Logger:    zap.NewNop(),
		Heartbeat: -1,
		SASL:      []Authentication{&PlainAuth{Username: "guest", Password: "guest"}},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return conn
}

// TestConnectionHardErrorClosesConnectionAndAllChannels covers a
// server-initiated hard error: basic.qos{global=true} comes back
// NOT_IMPLEMENTED over connection.close, so the whole connection must fail
// and the channel that issued the call must report the same reason.
func TestConnectionHardErrorClosesConnectionAndAllChannels(t *testing.T) {
	conn := dialFake(t, func(t *testing.T, server net.Conn) {
		rd, ok := brokerHandshake(t, server)
		if !ok {
			return
		}
		if _, ok := brokerOpenChannel(t, server, rd); !ok {
			return
		}

		f, err := readFrame(rd)
		if err != nil {
			t.Logf("broker: read basic.qos: %v", err)
			return
		}
		mf := f.(*methodFrame)
		if _, ok := mf.Method.(*basicQos); !ok {
			t.Errorf("broker: expected basic.qos, got %T", mf.Method)
			return
		}

		writeFrame(server, &methodFrame{ChannelId: 0, Method: &connectionClose{
			ReplyCode: NotImplemented, ReplyText: "NOT_IMPLEMENTED - qos.global",
		}})
		readFrame(rd) // connection.close-ok
	})
	defer conn.conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}

	connClosed := conn.NotifyClose(make(chan *Error, 1))
	chClosed := ch.NotifyClose(make(chan *Error, 1))

	err = ch.Qos(1, 0, true)
	if err == nil {
		t.Fatal("Qos with global=true over a hard-failing broker returned nil, want an error")
	}
	amqpErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("Qos error = %v (%T), want *Error", err, err)
	}
	if amqpErr.Code != NotImplemented {
		t.Errorf("Qos error code = %d, want %d", amqpErr.Code, NotImplemented)
	}

	select {
	case e := <-connClosed:
		if e == nil || e.Code != NotImplemented {
			t.Errorf("connection close reason = %+v, want code %d", e, NotImplemented)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection NotifyClose")
	}

	select {
	case e := <-chClosed:
		if e == nil || e.Code != NotImplemented {
			t.Errorf("channel close reason = %+v, want code %d", e, NotImplemented)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel NotifyClose")
	}

	if got := waitForChannelCount(t, conn, 0); got != 0 {
		t.Errorf("open channel count after hard error = %d, want 0", got)
	}
}

// TestConnectionSoftErrorClosesOnlyThatChannel covers a server-initiated
// soft error scoped to a single channel: redeclaring an exchange with a
// conflicting type comes back PRECONDITION_FAILED over channel.close, and
// only that channel should die.
func TestConnectionSoftErrorClosesOnlyThatChannel(t *testing.T) {
	conn := dialFake(t, func(t *testing.T, server net.Conn) {
		rd, ok := brokerHandshake(t, server)
		if !ok {
			return
		}
		ch1, ok := brokerOpenChannel(t, server, rd)
		if !ok {
			return
		}
		ch2, ok := brokerOpenChannel(t, server, rd)
		if !ok {
			return
		}

		f, err := readFrame(rd)
		if err != nil {
			t.Logf("broker: read exchange.declare: %v", err)
			return
		}
		mf := f.(*methodFrame)
		if _, ok := mf.Method.(*exchangeDeclare); !ok {
			t.Errorf("broker: expected exchange.declare, got %T", mf.Method)
			return
		}
		writeFrame(server, &methodFrame{ChannelId: ch1, Method: &channelClose{
			ReplyCode: PreconditionFail, ReplyText: "PRECONDITION_FAILED - inequivalent arg 'type'",
		}})
		if _, err := readFrame(rd); err != nil { // channel.close-ok
			t.Logf("broker: read channel.close-ok: %v", err)
			return
		}

		f, err = readFrame(rd)
		if err != nil {
			t.Logf("broker: read basic.qos on ch2: %v", err)
			return
		}
		mf = f.(*methodFrame)
		if _, ok := mf.Method.(*basicQos); !ok {
			t.Errorf("broker: expected basic.qos on ch2, got %T", mf.Method)
			return
		}
		writeFrame(server, &methodFrame{ChannelId: ch2, Method: &basicQosOk{}})
	})
	defer conn.conn.Close()

	ch1, err := conn.Channel()
	if err != nil {
		t.Fatalf("Channel 1: %v", err)
	}
	ch2, err := conn.Channel()
	if err != nil {
		t.Fatalf("Channel 2: %v", err)
	}

	connClosed := conn.NotifyClose(make(chan *Error, 1))

	err = ch1.ExchangeDeclare("ex", "direct", false, false, false, false, nil)
	if err == nil {
		t.Fatal("ExchangeDeclare with conflicting type returned nil, want a soft error")
	}
	amqpErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("ExchangeDeclare error = %v (%T), want *Error", err, err)
	}
	if amqpErr.Code != PreconditionFail {
		t.Errorf("ExchangeDeclare error code = %d, want %d", amqpErr.Code, PreconditionFail)
	}

	if err := ch2.Qos(1, 0, false); err != nil {
		t.Fatalf("Qos on the surviving channel: %v", err)
	}

	select {
	case e := <-connClosed:
		t.Fatalf("connection closed after a soft channel error: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	if got := waitForChannelCount(t, conn, 1); got != 1 {
		t.Errorf("open channel count after one soft channel error = %d, want 1", got)
	}
}

// TestConnectionGracefulShutdownClosesAllChannels covers an
// application-initiated close with several channels open: every channel
// must be notified and the registry must empty out.
func TestConnectionGracefulShutdownClosesAllChannels(t *testing.T) {
	const n = 4

	conn := dialFake(t, func(t *testing.T, server net.Conn) {
		rd, ok := brokerHandshake(t, server)
		if !ok {
			return
		}
		for i := 0; i < n; i++ {
			if _, ok := brokerOpenChannel(t, server, rd); !ok {
				return
			}
		}

		f, err := readFrame(rd)
		if err != nil {
			t.Logf("broker: read connection.close: %v", err)
			return
		}
		mf := f.(*methodFrame)
		if _, ok := mf.Method.(*connectionClose); !ok {
			t.Errorf("broker: expected connection.close, got %T", mf.Method)
			return
		}
		writeFrame(server, &methodFrame{ChannelId: 0, Method: &connectionCloseOk{}})
	})
	defer conn.conn.Close()

	closeNotices := make([]chan *Error, n)
	for i := 0; i < n; i++ {
		ch, err := conn.Channel()
		if err != nil {
			t.Fatalf("Channel %d: %v", i, err)
		}
		closeNotices[i] = ch.NotifyClose(make(chan *Error, 1))
	}

	done := make(chan error, 1)
	go func() { done <- conn.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connection.Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connection.Close")
	}

	for i, c := range closeNotices {
		select {
		case e := <-c:
			if e != nil && e.Code != ReplySuccess {
				t.Errorf("channel %d close reason = %+v, want code %d", i, e, ReplySuccess)
			}
		case <-time.After(time.Second):
			t.Fatalf("channel %d never received a close notification", i)
		}
	}

	if got := waitForChannelCount(t, conn, 0); got != 0 {
		t.Errorf("open channel count after graceful shutdown = %d, want 0", got)
	}
}

// waitForChannelCount polls the connection's channel registry until it
// reaches want or a deadline passes, returning whatever it last observed.
func waitForChannelCount(t *testing.T, conn *Connection, want int) int {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	got := conn.channels.count()
	for got != want && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		got = conn.channels.count()
	}
	return got
}
