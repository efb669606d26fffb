package amqp

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/relaygo/amqp/internal/metrics"
)

const (
	defaultChannelMax uint16 = 2047
	defaultFrameMax   uint32 = 131072
	defaultHeartbeat         = 10 * time.Second

	maxServerHeartbeatsInFlight = 2
)

// Config controls how Dial/DialConfig negotiates and opens a connection.
type Config struct {
	SASL             []Authentication
	Vhost            string
	ChannelMax       uint16
	FrameSize        uint32
	Heartbeat        time.Duration
	TLSClientConfig  *tls.Config
	Properties       Table
	ConnectionName   string
	Dial             func(network, addr string) (net.Conn, error)
	Logger           *zap.Logger
}

func (c *Config) withDefaults() {
	if c.ChannelMax == 0 {
		c.ChannelMax = defaultChannelMax
	}
	if c.FrameSize == 0 {
		c.FrameSize = defaultFrameMax
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = defaultHeartbeat
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Dial == nil {
		c.Dial = net.Dial
	}
	if c.ConnectionName == "" {
		c.ConnectionName = uuid.NewString()
	}
}

// closingState is the connection's tri-state close precedence:
// app_initiated_close < internal_error < server_initiated_close. A reason
// is only overwritten by one that outranks it, so the strongest available
// explanation for the shutdown always survives.
type closingState struct {
	mu     sync.Mutex
	reason *Error
	kind   int // 0 = none, 1 = app, 2 = internal, 3 = server
}

func (c *closingState) set(kind int, err *Error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind <= c.kind {
		return false
	}
	c.kind = kind
	c.reason = err
	return true
}

func (c *closingState) get() *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Connection owns the transport and drives the AMQP handshake, heartbeats
// and channel-0 traffic; every Channel it opens shares its driver.
type Connection struct {
	conn   io.ReadWriteCloser
	rd     *byteReader
	config Config
	logger *zap.Logger

	writeMu sync.Mutex

	channels *channelManager

	major, minor int
	properties   Table

	rpc0 chan Method // channel-0 synchronous reply

	closing   closingState
	destructor sync.Once
	done       chan struct{}

	closeChans  []chan *Error
	blockChans  []chan Blocking

	lastSent time.Time
	lastRecv time.Time
	mu       sync.Mutex
}

// Dial opens a connection to uri using library defaults.
func Dial(uri string) (*Connection, error) {
	return DialConfig(uri, Config{})
}

// DialTLS opens a connection to an amqps:// uri with the supplied TLS config.
func DialTLS(uri string, tlsConfig *tls.Config) (*Connection, error) {
	return DialConfig(uri, Config{TLSClientConfig: tlsConfig})
}

// DialConfig opens a connection to uri using cfg, filling in defaults for
// anything cfg leaves zero.
func DialConfig(uri string, cfg Config) (*Connection, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if cfg.Vhost == "" {
		cfg.Vhost = u.Vhost
	}
	if len(cfg.SASL) == 0 {
		cfg.SASL = []Authentication{u.PlainAuth()}
	}
	cfg.withDefaults()

	netConn, err := cfg.Dial("tcp", u.Address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Address(), err)
	}
	if u.Scheme == "amqps" {
		tlsConfig := cfg.TLSClientConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: u.Host}
		}
		tlsConn := tls.Client(netConn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			netConn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		netConn = tlsConn
	}

	return Open(netConn, cfg)
}

// Open runs the AMQP handshake over an already-established transport.
func Open(conn io.ReadWriteCloser, cfg Config) (*Connection, error) {
	cfg.withDefaults()

	c := &Connection{
		conn:   conn,
		rd:     newByteReader(conn),
		config: cfg,
		logger: cfg.Logger,
		rpc0:   make(chan Method),
		done:   make(chan struct{}),
	}

	if err := c.open(); err != nil {
		conn.Close()
		return nil, err
	}

	go c.reader()

	if c.config.Heartbeat > 0 {
		go c.heartbeater(c.config.Heartbeat)
	}

	return c, nil
}

func (c *Connection) open() error {
	if err := writeFrame(c.conn, &protocolHeader{}); err != nil {
		return err
	}

	f, err := readFrame(c.rd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolVersionMismatch, err)
	}
	mf, ok := f.(*methodFrame)
	if !ok {
		return ErrUnexpectedFrame
	}
	start, ok := mf.Method.(*connectionStart)
	if !ok {
		return ErrCommandInvalid
	}
	c.major, c.minor = int(start.VersionMajor), int(start.VersionMinor)

	auth, err := pickMechanism(start.Mechanisms, c.config.SASL)
	if err != nil {
		return err
	}

	clientProps := Table{}
	for k, v := range c.config.Properties {
		clientProps[k] = v
	}
	clientProps["connection_name"] = c.config.ConnectionName
	clientProps["product"] = "amqp"

	if err := c.send0(&connectionStartOk{
		ClientProperties: clientProps,
		Mechanism:        auth.Mechanism(),
		Response:         auth.Response(),
		Locale:           "en_US",
	}); err != nil {
		return err
	}

	f, err = readFrame(c.rd)
	if err != nil {
		return err
	}
	mf, ok = f.(*methodFrame)
	if !ok {
		return ErrUnexpectedFrame
	}
	tune, ok := mf.Method.(*connectionTune)
	if !ok {
		if _, isClose := mf.Method.(*connectionClose); isClose {
			return ErrCredentials
		}
		return ErrCommandInvalid
	}

	channelMax := pick(int(c.config.ChannelMax), int(tune.ChannelMax))
	frameMax := pick(int(c.config.FrameSize), int(tune.FrameMax))
	heartbeat := pick(int(c.config.Heartbeat/time.Second), int(tune.Heartbeat))

	c.config.ChannelMax = uint16(channelMax)
	c.config.FrameSize = uint32(frameMax)
	c.config.Heartbeat = time.Duration(heartbeat) * time.Second

	if err := c.send0(&connectionTuneOk{
		ChannelMax: uint16(channelMax),
		FrameMax:   uint32(frameMax),
		Heartbeat:  uint16(heartbeat),
	}); err != nil {
		return err
	}

	if err := c.send0(&connectionOpen{VirtualHost: c.config.Vhost}); err != nil {
		return err
	}

	f, err = readFrame(c.rd)
	if err != nil {
		return err
	}
	mf, ok = f.(*methodFrame)
	if !ok {
		return ErrUnexpectedFrame
	}
	if _, ok := mf.Method.(*connectionOpenOk); !ok {
		if cl, isClose := mf.Method.(*connectionClose); isClose {
			return newError(cl.ReplyCode, cl.ReplyText)
		}
		return ErrCommandInvalid
	}

	c.channels = newChannelManager(c.config.ChannelMax, c.logger)
	metrics.ConnectionState.Set(1)
	c.logger.Info("connection open", zap.String("vhost", c.config.Vhost), zap.String("name", c.config.ConnectionName))
	return nil
}

// pick implements the AMQP negotiation rule: 0 from either side means "no
// preference, use the other side's value"; otherwise the smaller wins.
func pick(client, server int) int {
	if client == 0 || server == 0 {
		if client > server {
			return client
		}
		return server
	}
	if client < server {
		return client
	}
	return server
}

func (c *Connection) send0(m Method) error {
	return c.sendMethod(0, m)
}

func (c *Connection) sendMethod(channel uint16, m Method) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	c.lastSent = time.Now()
	c.mu.Unlock()
	return writeFrame(c.conn, &methodFrame{ChannelId: channel, Method: m})
}

func (c *Connection) sendContent(channel uint16, classId uint16, body []byte, props properties) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.lastSent = time.Now()
	c.mu.Unlock()

	if err := writeFrame(c.conn, &headerFrame{ChannelId: channel, ClassId: classId, BodySize: uint64(len(body)), Properties: props}); err != nil {
		return err
	}

	max := int(c.config.FrameSize)
	if max <= 0 {
		max = len(body)
	}
	for offset := 0; offset < len(body) || (len(body) == 0 && offset == 0); {
		end := offset + max
		if end > len(body) {
			end = len(body)
		}
		if err := writeFrame(c.conn, &bodyFrame{ChannelId: channel, Body: body[offset:end]}); err != nil {
			return err
		}
		if len(body) == 0 {
			break
		}
		offset = end
	}
	return nil
}

// notifyChannelClosed is the driver-side half of handle_channel_termination:
// it always frees the channel's number, and if the channel went away with a
// hard (connection-fatal) error while the connection itself was still live,
// it escalates into a full connection shutdown rather than leaving the rest
// of the channels waiting on a link the broker has already condemned.
func (c *Connection) notifyChannelClosed(channel uint16, err *Error) {
	alreadyClosing := c.closing.get() != nil
	if classifyTermination(err, alreadyClosing) == terminationHard {
		c.closing.set(2, err)
		c.shutdown(err)
	}
	c.channels.unregister(channel)
}

// Channel opens a new channel, letting the allocator pick its number.
func (c *Connection) Channel() (*Channel, error) {
	return c.openChannel(0)
}

func (c *Connection) openChannel(want uint16) (*Channel, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	ch := newChannel(0, c, c.logger)
	n, err := c.channels.open(ch, want)
	if err != nil {
		return nil, err
	}
	ch.number = n

	if _, err := ch.call(&channelOpen{}, &channelOpenOk{}); err != nil {
		c.channels.unregister(n)
		return nil, err
	}
	return ch, nil
}

// UpdateSecret rotates the credential used for this connection without a
// reconnect, for brokers that support mid-connection credential rotation.
func (c *Connection) UpdateSecret(newSecret, reason string) error {
	if err := c.send0(&connectionUpdateSecret{NewSecret: newSecret, Reason: reason}); err != nil {
		return err
	}
	reply, ok := <-c.rpc0
	if !ok {
		return ErrClosed
	}
	if _, ok := reply.(*connectionUpdateSecretOk); !ok {
		return fmt.Errorf("%w: unexpected reply %T", ErrCommandInvalid, reply)
	}
	return nil
}

// NotifyClose registers c to receive the connection's terminal *Error.
func (c *Connection) NotifyClose(c2 chan *Error) chan *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeChans = append(c.closeChans, c2)
	return c2
}

// NotifyBlocked registers c to receive TCP-pushback notifications.
func (c *Connection) NotifyBlocked(c2 chan Blocking) chan Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockChans = append(c.blockChans, c2)
	return c2
}

// Close requests an orderly, application-initiated shutdown.
func (c *Connection) Close() error {
	if !c.closing.set(1, &Error{Code: ReplySuccess, Reason: "", Server: false}) {
		<-c.done
		return nil
	}

	err := c.send0(&connectionClose{ReplyCode: ReplySuccess})

	var timeoutErr error
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		timeoutErr = fmt.Errorf("timed out waiting for connection.close-ok")
	}
	return closeAggregateConnection(err, timeoutErr)
}

// reader pumps frames off the wire until the transport dies, dispatching
// channel-0 traffic itself and everything else to the owning channel.
func (c *Connection) reader() {
	for {
		f, err := readFrame(c.rd)
		if err != nil {
			e := &Error{Reason: ErrSocketClosedUnexpectedly.Error(), Server: false}
			c.closing.set(2, e)
			c.shutdown(e)
			return
		}

		c.mu.Lock()
		c.lastRecv = time.Now()
		c.mu.Unlock()

		switch ff := f.(type) {
		case *heartbeatFrame:
			continue
		case *methodFrame:
			if ff.ChannelId == 0 {
				if done := c.dispatch0(ff.Method); done {
					return
				}
				continue
			}
			if ch, ok := c.channels.get(ff.ChannelId); ok {
				ch.recv(ff)
			}
		default:
			if ch, ok := c.channels.get(f.channel()); ok {
				ch.recv(f)
			}
		}
	}
}

// dispatch0 handles channel-0 methods. It returns true once the connection
// has fully closed and the reader loop should stop.
func (c *Connection) dispatch0(m Method) bool {
	switch mm := m.(type) {
	case *connectionClose:
		err := newError(mm.ReplyCode, mm.ReplyText)
		c.closing.set(3, err)
		c.send0(&connectionCloseOk{})
		c.shutdown(err)
		return true

	case *connectionCloseOk:
		c.shutdown(c.closing.get())
		return true

	case *connectionBlocked:
		c.mu.Lock()
		chans := c.blockChans
		c.mu.Unlock()
		for _, ch := range chans {
			ch <- Blocking{Active: true, Reason: mm.Reason}
		}
		return false

	case *connectionUnblocked:
		c.mu.Lock()
		chans := c.blockChans
		c.mu.Unlock()
		for _, ch := range chans {
			ch <- Blocking{Active: false}
		}
		return false

	default:
		c.rpc0 <- m
		return false
	}
}

// shutdown tears the connection down exactly once: it broadcasts to every
// channel and every NotifyClose/NotifyBlocked listener, then closes the
// transport.
func (c *Connection) shutdown(err *Error) {
	c.destructor.Do(func() {
		if c.channels != nil {
			c.channels.broadcast(err)
		}

		c.mu.Lock()
		closeChans := c.closeChans
		blockChans := c.blockChans
		c.mu.Unlock()

		for _, ch := range closeChans {
			if err != nil {
				ch <- err
			}
			close(ch)
		}
		for _, ch := range blockChans {
			close(ch)
		}

		close(c.rpc0)
		close(c.done)
		c.conn.Close()

		metrics.ConnectionState.Set(0)
		if err != nil {
			c.logger.Warn("connection closed", zap.Int("code", err.Code), zap.String("reason", err.Reason))
		} else {
			c.logger.Info("connection closed")
		}
	})
}

// heartbeater sends a heartbeat every interval/2 and watches for silence
// from the broker for maxServerHeartbeatsInFlight intervals before treating
// the link as dead.
func (c *Connection) heartbeater(interval time.Duration) {
	sendTick := time.NewTicker(interval / 2)
	defer sendTick.Stop()

	checkTick := time.NewTicker(interval)
	defer checkTick.Stop()

	c.mu.Lock()
	c.lastRecv = time.Now()
	c.mu.Unlock()

	for {
		select {
		case <-c.done:
			return
		case <-sendTick.C:
			c.mu.Lock()
			idle := time.Since(c.lastSent)
			c.mu.Unlock()
			if idle >= interval/2 {
				if err := c.sendMethodRaw(&heartbeatFrame{}); err != nil {
					return
				}
			}
		case <-checkTick.C:
			c.mu.Lock()
			silence := time.Since(c.lastRecv)
			c.mu.Unlock()
			if silence > interval*maxServerHeartbeatsInFlight {
				metrics.HeartbeatTimeouts.Inc()
				e := &Error{Reason: ErrHeartbeatTimeout.Error()}
				c.closing.set(2, e)
				c.shutdown(e)
				return
			}
		}
	}
}

func (c *Connection) sendMethodRaw(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, f)
}

// closeAggregateConnection folds multiple shutdown-time errors the way
// channel.go's closeAggregate does, used by Connection.Close to combine the
// connection.close send error with the close-ok timeout.
func closeAggregateConnection(errs ...error) error {
	var merged *multierror.Error
	for _, e := range errs {
		if e != nil {
			merged = multierror.Append(merged, e)
		}
	}
	return merged.ErrorOrNil()
}
