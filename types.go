package amqp

import (
	"fmt"
	"time"
)

// Reply codes defined by the AMQP 0-9-1 specification. The codes listed in
// isSoftExceptionCode are soft (channel-only); the other error codes are
// hard (connection-fatal).
const (
	ReplySuccess = 200

	ContentTooLarge   = 311
	NoConsumers       = 313
	ConnectionForced  = 320
	InvalidPath       = 402
	AccessRefused     = 403
	NotFound          = 404
	ResourceLocked    = 405
	PreconditionFail  = 406
	FrameError        = 501
	SyntaxError       = 502
	CommandInvalid    = 503
	ChannelError      = 504
	UnexpectedFrame   = 505
	ResourceError     = 506
	NotAllowed        = 530
	NotImplemented    = 540
	InternalError     = 541
)

func isSoftExceptionCode(code int) bool {
	switch code {
	case ContentTooLarge, NoConsumers, AccessRefused, NotFound, ResourceLocked, PreconditionFail:
		return true
	}
	return false
}

// Error captures the code and text a channel or connection was closed with,
// and who closed it.
type Error struct {
	Code    int
	Reason  string
	Server  bool // true when the broker sent the close
	Recover bool // true when the code is a soft (channel-only) error
}

func newError(code uint16, text string) *Error {
	return &Error{
		Code:    int(code),
		Reason:  text,
		Server:  true,
		Recover: isSoftExceptionCode(int(code)),
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("Exception (%d) Reason: %q", e.Code, e.Reason)
}

// Sentinel errors surfaced by this library's own logic (as opposed to
// broker-reported Errors, which arrive as *Error above).
var (
	ErrClosed                     = fmt.Errorf("channel/connection is not open")
	ErrChannelMax                 = fmt.Errorf("channel id space exhausted")
	ErrOutOfChannelNumbers        = fmt.Errorf("out of channel numbers")
	ErrChannelAlreadyRegistered   = fmt.Errorf("channel already registered")
	ErrSASL                       = fmt.Errorf("SASL could not negotiate a shared mechanism")
	ErrCredentials                = fmt.Errorf("auth_failure: username or password not allowed")
	ErrVhost                      = fmt.Errorf("access_refused: no access to this vhost")
	ErrProtocolVersionMismatch    = fmt.Errorf("protocol_version_mismatch")
	ErrHandshakeTimeout           = fmt.Errorf("handshake_receive_timed_out")
	ErrHeartbeatTimeout           = fmt.Errorf("heartbeat_timeout")
	ErrSocketClosedUnexpectedly   = fmt.Errorf("socket_closed_unexpectedly")
	ErrCommandInvalid             = fmt.Errorf("unexpected command received")
	ErrUnexpectedFrame            = fmt.Errorf("unexpected frame received")
	ErrUseDedicatedOperation      = fmt.Errorf("use_dedicated_operation")
	ErrConnectionMethodsNotAllowed = fmt.Errorf("connection_methods_not_allowed")
	ErrClosing                    = fmt.Errorf("closing")
	ErrBlocked                    = fmt.Errorf("blocked")
	ErrConsumerTagInUse           = fmt.Errorf("consumer_tag_already_in_use")
	ErrNotInConfirmMode           = fmt.Errorf("not_in_confirm_mode")
)

// Decimal matches the AMQP decimal field type: Value scaled by 10^-Scale.
type Decimal struct {
	Scale uint8
	Value int32
}

// Table holds user-supplied AMQP field-table entries. Supported value types
// are bool, int8/16/32/64, float32/64, string, []byte, Decimal, time.Time,
// Table, []interface{} and nil.
type Table map[string]interface{}

func (t Table) validate() error {
	return validateField(t)
}

func validateField(f interface{}) error {
	switch v := f.(type) {
	case nil, bool, int8, int16, int32, int64, float32, float64, string, []byte, Decimal, time.Time:
		return nil
	case []interface{}:
		for _, e := range v {
			if err := validateField(e); err != nil {
				return fmt.Errorf("in array: %w", err)
			}
		}
		return nil
	case Table:
		for k, e := range v {
			if err := validateField(e); err != nil {
				return fmt.Errorf("table field %q: %w", k, err)
			}
		}
		return nil
	}
	return fmt.Errorf("value %T not supported in a Table", f)
}

// properties are the content-header fields shared by Publishing and Delivery.
type properties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	UserId          string
	AppId           string
}

// DeliveryMode values for Publishing.DeliveryMode / Delivery.DeliveryMode.
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// Publishing is the message an application hands to Channel.Publish.
type Publishing struct {
	Headers Table

	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	UserId          string
	AppId           string

	Body []byte
}

func (p Publishing) props() properties {
	return properties{
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		Headers:         p.Headers,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
	}
}

// Delivery is a message pushed to a consumer by the broker (basic.deliver +
// content), bound back to the channel it arrived on so Ack/Nack/Reject can
// be issued without the application holding a channel reference.
type Delivery struct {
	Headers Table

	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	UserId          string
	AppId           string

	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string

	Body []byte

	acknowledger Acknowledger
}

// Acknowledger is the subset of Channel that a Delivery needs to settle
// itself, kept narrow so deliveries can be handed to application code
// without exposing the whole channel.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

func newDelivery(acknowledger Acknowledger, m *basicDeliver, p properties, body []byte) Delivery {
	return Delivery{
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     m.ConsumerTag,
		DeliveryTag:     m.DeliveryTag,
		Redelivered:     m.Redelivered,
		Exchange:        m.Exchange,
		RoutingKey:      m.RoutingKey,
		Body:            body,
		acknowledger:    acknowledger,
	}
}

// Ack acknowledges this delivery (and, if multiple, every prior
// unacknowledged delivery on this channel).
func (d Delivery) Ack(multiple bool) error {
	return d.acknowledger.Ack(d.DeliveryTag, multiple)
}

// Nack negatively acknowledges this delivery, optionally requeueing it.
func (d Delivery) Nack(multiple, requeue bool) error {
	return d.acknowledger.Nack(d.DeliveryTag, multiple, requeue)
}

// Reject is equivalent to Nack(false, requeue).
func (d Delivery) Reject(requeue bool) error {
	return d.acknowledger.Reject(d.DeliveryTag, requeue)
}

// Return is a message bounced back by the broker (basic.return + content)
// because it was unroutable while published as mandatory or immediate.
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string

	Headers         Table
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	UserId          string
	AppId           string

	Body []byte
}

func newReturn(m *basicReturn, p properties, body []byte) Return {
	return Return{
		ReplyCode:       m.ReplyCode,
		ReplyText:       m.ReplyText,
		Exchange:        m.Exchange,
		RoutingKey:      m.RoutingKey,
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		Body:            body,
	}
}

// Blocking notifies TCP-pushback activation from the broker
// (connection.blocked / connection.unblocked).
type Blocking struct {
	Active bool
	Reason string
}

// Confirmation notifies the settlement of a publish made in confirm mode.
type Confirmation struct {
	DeliveryTag uint64
	Ack         bool
}

// ConsumeInfo describes an active or pending subscription, returned to
// application code for introspection.
type ConsumeInfo struct {
	Tag    string
	Queue  string
	NoAck  bool
}
