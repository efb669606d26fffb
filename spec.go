package amqp

// Method is the tagged-variant contract every AMQP 0-9-1 method satisfies.
// The interface is intentionally sealed (unexported methods) — this package
// defines the complete AMQP method set; application code never implements
// new variants, it only constructs the ones declared below.
type Method interface {
	classID() uint16
	methodID() uint16
}

// Class ids used by the methods this package implements.
const (
	classConnection = 10
	classChannel    = 20
	classExchange   = 40
	classQueue      = 50
	classBasic      = 60
	classConfirm    = 85
	classTx         = 90
)

// isConnectionClass reports whether m belongs to the connection class,
// which is only ever legal on channel 0.
func isConnectionClass(m Method) bool {
	return m.classID() == classConnection
}

// isContentBearing reports whether m is followed on the wire by a header
// frame and zero or more body frames.
func isContentBearing(m Method) bool {
	switch m.(type) {
	case *basicPublish, *basicReturn, *basicDeliver, *basicGetOk:
		return true
	}
	return false
}

// isSynchronous reports whether m expects a matching reply before the next
// method may be written for the owning channel. NoWait variants of
// otherwise-synchronous methods are asynchronous.
func isSynchronous(m Method) bool {
	switch mm := m.(type) {
	case *connectionStart, *connectionTune, *connectionOpen, *connectionClose,
		*channelOpen, *channelClose, *channelFlow,
		*basicQos, *basicGet, *basicRecover,
		*txSelect, *txCommit, *txRollback:
		return true
	case *exchangeDeclare:
		return !mm.NoWait
	case *queueDeclare:
		return !mm.NoWait
	case *queueBind:
		return !mm.NoWait
	case *basicConsume:
		return !mm.NoWait
	case *basicCancel:
		return !mm.NoWait
	case *confirmSelect:
		return !mm.NoWait
	}
	return false
}

// ---- connection class (10) ----

type connectionStart struct {
	VersionMajor     uint8
	VersionMinor     uint8
	ServerProperties Table
	Mechanisms       string
	Locales          string
}

func (*connectionStart) classID() uint16  { return classConnection }
func (*connectionStart) methodID() uint16 { return 10 }

type connectionStartOk struct {
	ClientProperties Table
	Mechanism        string
	Response         string
	Locale           string
}

func (*connectionStartOk) classID() uint16  { return classConnection }
func (*connectionStartOk) methodID() uint16 { return 11 }

type connectionTune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (*connectionTune) classID() uint16  { return classConnection }
func (*connectionTune) methodID() uint16 { return 30 }

type connectionTuneOk struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (*connectionTuneOk) classID() uint16  { return classConnection }
func (*connectionTuneOk) methodID() uint16 { return 31 }

type connectionOpen struct {
	VirtualHost string
}

func (*connectionOpen) classID() uint16  { return classConnection }
func (*connectionOpen) methodID() uint16 { return 40 }

type connectionOpenOk struct{}

func (*connectionOpenOk) classID() uint16  { return classConnection }
func (*connectionOpenOk) methodID() uint16 { return 41 }

// ConnectionClose carries the close reason the remote end sent (or that
// this library is about to send) on channel 0.
type connectionClose struct {
	ReplyCode uint16
	ReplyText string
	ClassId   uint16
	MethodId  uint16
}

func (*connectionClose) classID() uint16  { return classConnection }
func (*connectionClose) methodID() uint16 { return 50 }

type connectionCloseOk struct{}

func (*connectionCloseOk) classID() uint16  { return classConnection }
func (*connectionCloseOk) methodID() uint16 { return 51 }

type connectionBlocked struct {
	Reason string
}

func (*connectionBlocked) classID() uint16  { return classConnection }
func (*connectionBlocked) methodID() uint16 { return 60 }

type connectionUnblocked struct{}

func (*connectionUnblocked) classID() uint16  { return classConnection }
func (*connectionUnblocked) methodID() uint16 { return 61 }

type connectionUpdateSecret struct {
	NewSecret string
	Reason    string
}

func (*connectionUpdateSecret) classID() uint16  { return classConnection }
func (*connectionUpdateSecret) methodID() uint16 { return 70 }

type connectionUpdateSecretOk struct{}

func (*connectionUpdateSecretOk) classID() uint16  { return classConnection }
func (*connectionUpdateSecretOk) methodID() uint16 { return 71 }

// ---- channel class (20) ----

type channelOpen struct{}

func (*channelOpen) classID() uint16  { return classChannel }
func (*channelOpen) methodID() uint16 { return 10 }

type channelOpenOk struct{}

func (*channelOpenOk) classID() uint16  { return classChannel }
func (*channelOpenOk) methodID() uint16 { return 11 }

// ChannelFlow is sent by the broker to pause/resume content-bearing traffic.
type channelFlow struct {
	Active bool
}

func (*channelFlow) classID() uint16  { return classChannel }
func (*channelFlow) methodID() uint16 { return 20 }

type channelFlowOk struct {
	Active bool
}

func (*channelFlowOk) classID() uint16  { return classChannel }
func (*channelFlowOk) methodID() uint16 { return 21 }

type channelClose struct {
	ReplyCode uint16
	ReplyText string
	ClassId   uint16
	MethodId  uint16
}

func (*channelClose) classID() uint16  { return classChannel }
func (*channelClose) methodID() uint16 { return 40 }

type channelCloseOk struct{}

func (*channelCloseOk) classID() uint16  { return classChannel }
func (*channelCloseOk) methodID() uint16 { return 41 }

// ---- exchange class (40) ----

// ExchangeDeclare declares an exchange; see Channel.ExchangeDeclare.
type exchangeDeclare struct {
	Exchange   string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  Table
}

func (*exchangeDeclare) classID() uint16  { return classExchange }
func (*exchangeDeclare) methodID() uint16 { return 10 }

type exchangeDeclareOk struct{}

func (*exchangeDeclareOk) classID() uint16  { return classExchange }
func (*exchangeDeclareOk) methodID() uint16 { return 11 }

// ---- queue class (50) ----

type queueDeclare struct {
	Queue      string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  Table
}

func (*queueDeclare) classID() uint16  { return classQueue }
func (*queueDeclare) methodID() uint16 { return 10 }

type queueDeclareOk struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

func (*queueDeclareOk) classID() uint16  { return classQueue }
func (*queueDeclareOk) methodID() uint16 { return 11 }

type queueBind struct {
	Queue      string
	Exchange   string
	RoutingKey string
	NoWait     bool
	Arguments  Table
}

func (*queueBind) classID() uint16  { return classQueue }
func (*queueBind) methodID() uint16 { return 20 }

type queueBindOk struct{}

func (*queueBindOk) classID() uint16  { return classQueue }
func (*queueBindOk) methodID() uint16 { return 21 }

// ---- basic class (60) ----

type basicQos struct {
	PrefetchSize  uint32
	PrefetchCount uint16
	Global        bool
}

func (*basicQos) classID() uint16  { return classBasic }
func (*basicQos) methodID() uint16 { return 10 }

type basicQosOk struct{}

func (*basicQosOk) classID() uint16  { return classBasic }
func (*basicQosOk) methodID() uint16 { return 11 }

type basicConsume struct {
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   Table
}

func (*basicConsume) classID() uint16  { return classBasic }
func (*basicConsume) methodID() uint16 { return 20 }

type basicConsumeOk struct {
	ConsumerTag string
}

func (*basicConsumeOk) classID() uint16  { return classBasic }
func (*basicConsumeOk) methodID() uint16 { return 21 }

type basicCancel struct {
	ConsumerTag string
	NoWait      bool
}

func (*basicCancel) classID() uint16  { return classBasic }
func (*basicCancel) methodID() uint16 { return 30 }

type basicCancelOk struct {
	ConsumerTag string
}

func (*basicCancelOk) classID() uint16  { return classBasic }
func (*basicCancelOk) methodID() uint16 { return 31 }

type basicPublish struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

func (*basicPublish) classID() uint16  { return classBasic }
func (*basicPublish) methodID() uint16 { return 40 }

type basicReturn struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
}

func (*basicReturn) classID() uint16  { return classBasic }
func (*basicReturn) methodID() uint16 { return 50 }

type basicDeliver struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

func (*basicDeliver) classID() uint16  { return classBasic }
func (*basicDeliver) methodID() uint16 { return 60 }

type basicGet struct {
	Queue string
	NoAck bool
}

func (*basicGet) classID() uint16  { return classBasic }
func (*basicGet) methodID() uint16 { return 70 }

type basicGetOk struct {
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32
}

func (*basicGetOk) classID() uint16  { return classBasic }
func (*basicGetOk) methodID() uint16 { return 71 }

type basicGetEmpty struct{}

func (*basicGetEmpty) classID() uint16  { return classBasic }
func (*basicGetEmpty) methodID() uint16 { return 72 }

type basicAck struct {
	DeliveryTag uint64
	Multiple    bool
}

func (*basicAck) classID() uint16  { return classBasic }
func (*basicAck) methodID() uint16 { return 80 }

type basicReject struct {
	DeliveryTag uint64
	Requeue     bool
}

func (*basicReject) classID() uint16  { return classBasic }
func (*basicReject) methodID() uint16 { return 90 }

type basicRecoverAsync struct {
	Requeue bool
}

func (*basicRecoverAsync) classID() uint16  { return classBasic }
func (*basicRecoverAsync) methodID() uint16 { return 100 }

type basicRecover struct {
	Requeue bool
}

func (*basicRecover) classID() uint16  { return classBasic }
func (*basicRecover) methodID() uint16 { return 110 }

type basicRecoverOk struct{}

func (*basicRecoverOk) classID() uint16  { return classBasic }
func (*basicRecoverOk) methodID() uint16 { return 111 }

type basicNack struct {
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

func (*basicNack) classID() uint16  { return classBasic }
func (*basicNack) methodID() uint16 { return 120 }

// ---- confirm class (85), RabbitMQ extension ----

type confirmSelect struct {
	NoWait bool
}

func (*confirmSelect) classID() uint16  { return classConfirm }
func (*confirmSelect) methodID() uint16 { return 10 }

type confirmSelectOk struct{}

func (*confirmSelectOk) classID() uint16  { return classConfirm }
func (*confirmSelectOk) methodID() uint16 { return 11 }

// ---- tx class (90), pass-through only ----

type txSelect struct{}

func (*txSelect) classID() uint16  { return classTx }
func (*txSelect) methodID() uint16 { return 10 }

type txSelectOk struct{}

func (*txSelectOk) classID() uint16  { return classTx }
func (*txSelectOk) methodID() uint16 { return 11 }

type txCommit struct{}

func (*txCommit) classID() uint16  { return classTx }
func (*txCommit) methodID() uint16 { return 20 }

type txCommitOk struct{}

func (*txCommitOk) classID() uint16  { return classTx }
func (*txCommitOk) methodID() uint16 { return 21 }

type txRollback struct{}

func (*txRollback) classID() uint16  { return classTx }
func (*txRollback) methodID() uint16 { return 30 }

type txRollbackOk struct{}

func (*txRollbackOk) classID() uint16  { return classTx }
func (*txRollbackOk) methodID() uint16 { return 31 }
