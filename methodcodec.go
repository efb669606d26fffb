package amqp

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// writeMethodPayload encodes m's arguments (everything after class-id and
// method-id, which the caller has already written).
func writeMethodPayload(w *byteWriter, m Method) error {
	switch mm := m.(type) {
	case *connectionStart:
		if err := w.octet(mm.VersionMajor); err != nil {
			return err
		}
		if err := w.octet(mm.VersionMinor); err != nil {
			return err
		}
		if err := w.table(mm.ServerProperties); err != nil {
			return err
		}
		if err := w.longstr(mm.Mechanisms); err != nil {
			return err
		}
		return w.longstr(mm.Locales)

	case *connectionStartOk:
		if err := w.table(mm.ClientProperties); err != nil {
			return err
		}
		if err := w.shortstr(mm.Mechanism); err != nil {
			return err
		}
		if err := w.longstr(mm.Response); err != nil {
			return err
		}
		return w.shortstr(mm.Locale)

	case *connectionTune:
		if err := w.short(mm.ChannelMax); err != nil {
			return err
		}
		if err := w.long(mm.FrameMax); err != nil {
			return err
		}
		return w.short(mm.Heartbeat)

	case *connectionTuneOk:
		if err := w.short(mm.ChannelMax); err != nil {
			return err
		}
		if err := w.long(mm.FrameMax); err != nil {
			return err
		}
		return w.short(mm.Heartbeat)

	case *connectionOpen:
		if err := w.shortstr(mm.VirtualHost); err != nil {
			return err
		}
		if err := w.shortstr(""); err != nil {
			return err
		}
		return w.bits(false)

	case *connectionOpenOk:
		return w.shortstr("")

	case *connectionClose:
		if err := w.short(mm.ReplyCode); err != nil {
			return err
		}
		if err := w.shortstr(mm.ReplyText); err != nil {
			return err
		}
		if err := w.short(mm.ClassId); err != nil {
			return err
		}
		return w.short(mm.MethodId)

	case *connectionCloseOk:
		return nil

	case *connectionBlocked:
		return w.shortstr(mm.Reason)

	case *connectionUnblocked:
		return nil

	case *connectionUpdateSecret:
		if err := w.longstr(mm.NewSecret); err != nil {
			return err
		}
		return w.shortstr(mm.Reason)

	case *connectionUpdateSecretOk:
		return nil

	case *channelOpen:
		return w.shortstr("")

	case *channelOpenOk:
		return w.longstr("")

	case *channelFlow:
		return w.bits(mm.Active)

	case *channelFlowOk:
		return w.bits(mm.Active)

	case *channelClose:
		if err := w.short(mm.ReplyCode); err != nil {
			return err
		}
		if err := w.shortstr(mm.ReplyText); err != nil {
			return err
		}
		if err := w.short(mm.ClassId); err != nil {
			return err
		}
		return w.short(mm.MethodId)

	case *channelCloseOk:
		return nil

	case *exchangeDeclare:
		if err := w.short(0); err != nil {
			return err
		}
		if err := w.shortstr(mm.Exchange); err != nil {
			return err
		}
		if err := w.shortstr(mm.Type); err != nil {
			return err
		}
		if err := w.bits(mm.Passive, mm.Durable, mm.AutoDelete, mm.Internal, mm.NoWait); err != nil {
			return err
		}
		return w.table(mm.Arguments)

	case *exchangeDeclareOk:
		return nil

	case *queueDeclare:
		if err := w.short(0); err != nil {
			return err
		}
		if err := w.shortstr(mm.Queue); err != nil {
			return err
		}
		if err := w.bits(mm.Passive, mm.Durable, mm.Exclusive, mm.AutoDelete, mm.NoWait); err != nil {
			return err
		}
		return w.table(mm.Arguments)

	case *queueDeclareOk:
		if err := w.shortstr(mm.Queue); err != nil {
			return err
		}
		if err := w.long(mm.MessageCount); err != nil {
			return err
		}
		return w.long(mm.ConsumerCount)

	case *queueBind:
		if err := w.short(0); err != nil {
			return err
		}
		if err := w.shortstr(mm.Queue); err != nil {
			return err
		}
		if err := w.shortstr(mm.Exchange); err != nil {
			return err
		}
		if err := w.shortstr(mm.RoutingKey); err != nil {
			return err
		}
		if err := w.bits(mm.NoWait); err != nil {
			return err
		}
		return w.table(mm.Arguments)

	case *queueBindOk:
		return nil

	case *basicQos:
		if err := w.long(mm.PrefetchSize); err != nil {
			return err
		}
		if err := w.short(mm.PrefetchCount); err != nil {
			return err
		}
		return w.bits(mm.Global)

	case *basicQosOk:
		return nil

	case *basicConsume:
		if err := w.short(0); err != nil {
			return err
		}
		if err := w.shortstr(mm.Queue); err != nil {
			return err
		}
		if err := w.shortstr(mm.ConsumerTag); err != nil {
			return err
		}
		if err := w.bits(mm.NoLocal, mm.NoAck, mm.Exclusive, mm.NoWait); err != nil {
			return err
		}
		return w.table(mm.Arguments)

	case *basicConsumeOk:
		return w.shortstr(mm.ConsumerTag)

	case *basicCancel:
		if err := w.shortstr(mm.ConsumerTag); err != nil {
			return err
		}
		return w.bits(mm.NoWait)

	case *basicCancelOk:
		return w.shortstr(mm.ConsumerTag)

	case *basicPublish:
		if err := w.short(0); err != nil {
			return err
		}
		if err := w.shortstr(mm.Exchange); err != nil {
			return err
		}
		if err := w.shortstr(mm.RoutingKey); err != nil {
			return err
		}
		return w.bits(mm.Mandatory, mm.Immediate)

	case *basicReturn:
		if err := w.short(mm.ReplyCode); err != nil {
			return err
		}
		if err := w.shortstr(mm.ReplyText); err != nil {
			return err
		}
		if err := w.shortstr(mm.Exchange); err != nil {
			return err
		}
		return w.shortstr(mm.RoutingKey)

	case *basicDeliver:
		if err := w.shortstr(mm.ConsumerTag); err != nil {
			return err
		}
		if err := w.longlong(mm.DeliveryTag); err != nil {
			return err
		}
		if err := w.bits(mm.Redelivered); err != nil {
			return err
		}
		if err := w.shortstr(mm.Exchange); err != nil {
			return err
		}
		return w.shortstr(mm.RoutingKey)

	case *basicGet:
		if err := w.short(0); err != nil {
			return err
		}
		if err := w.shortstr(mm.Queue); err != nil {
			return err
		}
		return w.bits(mm.NoAck)

	case *basicGetOk:
		if err := w.longlong(mm.DeliveryTag); err != nil {
			return err
		}
		if err := w.bits(mm.Redelivered); err != nil {
			return err
		}
		if err := w.shortstr(mm.Exchange); err != nil {
			return err
		}
		if err := w.shortstr(mm.RoutingKey); err != nil {
			return err
		}
		return w.long(mm.MessageCount)

	case *basicGetEmpty:
		return w.shortstr("")

	case *basicAck:
		if err := w.longlong(mm.DeliveryTag); err != nil {
			return err
		}
		return w.bits(mm.Multiple)

	case *basicReject:
		if err := w.longlong(mm.DeliveryTag); err != nil {
			return err
		}
		return w.bits(mm.Requeue)

	case *basicRecoverAsync:
		return w.bits(mm.Requeue)

	case *basicRecover:
		return w.bits(mm.Requeue)

	case *basicRecoverOk:
		return nil

	case *basicNack:
		if err := w.longlong(mm.DeliveryTag); err != nil {
			return err
		}
		return w.bits(mm.Multiple, mm.Requeue)

	case *confirmSelect:
		return w.bits(mm.NoWait)

	case *confirmSelectOk:
		return nil

	case *txSelect, *txSelectOk, *txCommit, *txCommitOk, *txRollback, *txRollbackOk:
		return nil
	}
	return errors.Errorf("unknown method %T", m)
}

// readMethodPayload decodes the arguments for the method identified by
// (classId, methodId), returning the populated Method value.
func readMethodPayload(r *byteReader, classId, methodId uint16) (Method, error) {
	switch {
	case classId == classConnection && methodId == 10:
		m := &connectionStart{}
		var err error
		if m.VersionMajor, err = r.octet(); err != nil {
			return nil, err
		}
		if m.VersionMinor, err = r.octet(); err != nil {
			return nil, err
		}
		if m.ServerProperties, err = r.tableRaw(); err != nil {
			return nil, err
		}
		if m.Mechanisms, err = r.longstr(); err != nil {
			return nil, err
		}
		m.Locales, err = r.longstr()
		return m, err

	case classId == classConnection && methodId == 11:
		m := &connectionStartOk{}
		var err error
		if m.ClientProperties, err = r.tableRaw(); err != nil {
			return nil, err
		}
		if m.Mechanism, err = r.shortstr(); err != nil {
			return nil, err
		}
		if m.Response, err = r.longstr(); err != nil {
			return nil, err
		}
		m.Locale, err = r.shortstr()
		return m, err

	case classId == classConnection && methodId == 30:
		m := &connectionTune{}
		var err error
		if m.ChannelMax, err = r.short(); err != nil {
			return nil, err
		}
		if m.FrameMax, err = r.long(); err != nil {
			return nil, err
		}
		m.Heartbeat, err = r.short()
		return m, err

	case classId == classConnection && methodId == 31:
		m := &connectionTuneOk{}
		var err error
		if m.ChannelMax, err = r.short(); err != nil {
			return nil, err
		}
		if m.FrameMax, err = r.long(); err != nil {
			return nil, err
		}
		m.Heartbeat, err = r.short()
		return m, err

	case classId == classConnection && methodId == 40:
		m := &connectionOpen{}
		var err error
		if m.VirtualHost, err = r.shortstr(); err != nil {
			return nil, err
		}
		if _, err = r.shortstr(); err != nil {
			return nil, err
		}
		_, err = r.bits(1)
		return m, err

	case classId == classConnection && methodId == 41:
		m := &connectionOpenOk{}
		_, err := r.shortstr()
		return m, err

	case classId == classConnection && methodId == 50:
		m := &connectionClose{}
		var err error
		if m.ReplyCode, err = r.short(); err != nil {
			return nil, err
		}
		if m.ReplyText, err = r.shortstr(); err != nil {
			return nil, err
		}
		if m.ClassId, err = r.short(); err != nil {
			return nil, err
		}
		m.MethodId, err = r.short()
		return m, err

	case classId == classConnection && methodId == 51:
		return &connectionCloseOk{}, nil

	case classId == classConnection && methodId == 60:
		m := &connectionBlocked{}
		var err error
		m.Reason, err = r.shortstr()
		return m, err

	case classId == classConnection && methodId == 61:
		return &connectionUnblocked{}, nil

	case classId == classConnection && methodId == 70:
		m := &connectionUpdateSecret{}
		var err error
		if m.NewSecret, err = r.longstr(); err != nil {
			return nil, err
		}
		m.Reason, err = r.shortstr()
		return m, err

	case classId == classConnection && methodId == 71:
		return &connectionUpdateSecretOk{}, nil

	case classId == classChannel && methodId == 10:
		_, err := r.shortstr()
		return &channelOpen{}, err

	case classId == classChannel && methodId == 11:
		_, err := r.longstr()
		return &channelOpenOk{}, err

	case classId == classChannel && methodId == 20:
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		return &channelFlow{Active: bits[0]}, nil

	case classId == classChannel && methodId == 21:
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		return &channelFlowOk{Active: bits[0]}, nil

	case classId == classChannel && methodId == 40:
		m := &channelClose{}
		var err error
		if m.ReplyCode, err = r.short(); err != nil {
			return nil, err
		}
		if m.ReplyText, err = r.shortstr(); err != nil {
			return nil, err
		}
		if m.ClassId, err = r.short(); err != nil {
			return nil, err
		}
		m.MethodId, err = r.short()
		return m, err

	case classId == classChannel && methodId == 41:
		return &channelCloseOk{}, nil

	case classId == classExchange && methodId == 10:
		m := &exchangeDeclare{}
		if _, err := r.short(); err != nil {
			return nil, err
		}
		var err error
		if m.Exchange, err = r.shortstr(); err != nil {
			return nil, err
		}
		if m.Type, err = r.shortstr(); err != nil {
			return nil, err
		}
		bits, err := r.bits(5)
		if err != nil {
			return nil, err
		}
		m.Passive, m.Durable, m.AutoDelete, m.Internal, m.NoWait = bits[0], bits[1], bits[2], bits[3], bits[4]
		m.Arguments, err = r.tableRaw()
		return m, err

	case classId == classExchange && methodId == 11:
		return &exchangeDeclareOk{}, nil

	case classId == classQueue && methodId == 10:
		m := &queueDeclare{}
		if _, err := r.short(); err != nil {
			return nil, err
		}
		var err error
		if m.Queue, err = r.shortstr(); err != nil {
			return nil, err
		}
		bits, err := r.bits(5)
		if err != nil {
			return nil, err
		}
		m.Passive, m.Durable, m.Exclusive, m.AutoDelete, m.NoWait = bits[0], bits[1], bits[2], bits[3], bits[4]
		m.Arguments, err = r.tableRaw()
		return m, err

	case classId == classQueue && methodId == 11:
		m := &queueDeclareOk{}
		var err error
		if m.Queue, err = r.shortstr(); err != nil {
			return nil, err
		}
		if m.MessageCount, err = r.long(); err != nil {
			return nil, err
		}
		m.ConsumerCount, err = r.long()
		return m, err

	case classId == classQueue && methodId == 20:
		m := &queueBind{}
		if _, err := r.short(); err != nil {
			return nil, err
		}
		var err error
		if m.Queue, err = r.shortstr(); err != nil {
			return nil, err
		}
		if m.Exchange, err = r.shortstr(); err != nil {
			return nil, err
		}
		if m.RoutingKey, err = r.shortstr(); err != nil {
			return nil, err
		}
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		m.NoWait = bits[0]
		m.Arguments, err = r.tableRaw()
		return m, err

	case classId == classQueue && methodId == 21:
		return &queueBindOk{}, nil

	case classId == classBasic && methodId == 10:
		m := &basicQos{}
		var err error
		if m.PrefetchSize, err = r.long(); err != nil {
			return nil, err
		}
		if m.PrefetchCount, err = r.short(); err != nil {
			return nil, err
		}
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		m.Global = bits[0]
		return m, nil

	case classId == classBasic && methodId == 11:
		return &basicQosOk{}, nil

	case classId == classBasic && methodId == 20:
		m := &basicConsume{}
		if _, err := r.short(); err != nil {
			return nil, err
		}
		var err error
		if m.Queue, err = r.shortstr(); err != nil {
			return nil, err
		}
		if m.ConsumerTag, err = r.shortstr(); err != nil {
			return nil, err
		}
		bits, err := r.bits(4)
		if err != nil {
			return nil, err
		}
		m.NoLocal, m.NoAck, m.Exclusive, m.NoWait = bits[0], bits[1], bits[2], bits[3]
		m.Arguments, err = r.tableRaw()
		return m, err

	case classId == classBasic && methodId == 21:
		m := &basicConsumeOk{}
		var err error
		m.ConsumerTag, err = r.shortstr()
		return m, err

	case classId == classBasic && methodId == 30:
		m := &basicCancel{}
		var err error
		if m.ConsumerTag, err = r.shortstr(); err != nil {
			return nil, err
		}
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		m.NoWait = bits[0]
		return m, nil

	case classId == classBasic && methodId == 31:
		m := &basicCancelOk{}
		var err error
		m.ConsumerTag, err = r.shortstr()
		return m, err

	case classId == classBasic && methodId == 40:
		m := &basicPublish{}
		if _, err := r.short(); err != nil {
			return nil, err
		}
		var err error
		if m.Exchange, err = r.shortstr(); err != nil {
			return nil, err
		}
		if m.RoutingKey, err = r.shortstr(); err != nil {
			return nil, err
		}
		bits, err := r.bits(2)
		if err != nil {
			return nil, err
		}
		m.Mandatory, m.Immediate = bits[0], bits[1]
		return m, nil

	case classId == classBasic && methodId == 50:
		m := &basicReturn{}
		var err error
		if m.ReplyCode, err = r.short(); err != nil {
			return nil, err
		}
		if m.ReplyText, err = r.shortstr(); err != nil {
			return nil, err
		}
		if m.Exchange, err = r.shortstr(); err != nil {
			return nil, err
		}
		m.RoutingKey, err = r.shortstr()
		return m, err

	case classId == classBasic && methodId == 60:
		m := &basicDeliver{}
		var err error
		if m.ConsumerTag, err = r.shortstr(); err != nil {
			return nil, err
		}
		if m.DeliveryTag, err = r.longlong(); err != nil {
			return nil, err
		}
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		m.Redelivered = bits[0]
		if m.Exchange, err = r.shortstr(); err != nil {
			return nil, err
		}
		m.RoutingKey, err = r.shortstr()
		return m, err

	case classId == classBasic && methodId == 70:
		m := &basicGet{}
		if _, err := r.short(); err != nil {
			return nil, err
		}
		var err error
		if m.Queue, err = r.shortstr(); err != nil {
			return nil, err
		}
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		m.NoAck = bits[0]
		return m, nil

	case classId == classBasic && methodId == 71:
		m := &basicGetOk{}
		var err error
		if m.DeliveryTag, err = r.longlong(); err != nil {
			return nil, err
		}
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		m.Redelivered = bits[0]
		if m.Exchange, err = r.shortstr(); err != nil {
			return nil, err
		}
		if m.RoutingKey, err = r.shortstr(); err != nil {
			return nil, err
		}
		m.MessageCount, err = r.long()
		return m, err

	case classId == classBasic && methodId == 72:
		_, err := r.shortstr()
		return &basicGetEmpty{}, err

	case classId == classBasic && methodId == 80:
		m := &basicAck{}
		var err error
		if m.DeliveryTag, err = r.longlong(); err != nil {
			return nil, err
		}
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		m.Multiple = bits[0]
		return m, nil

	case classId == classBasic && methodId == 90:
		m := &basicReject{}
		var err error
		if m.DeliveryTag, err = r.longlong(); err != nil {
			return nil, err
		}
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		m.Requeue = bits[0]
		return m, nil

	case classId == classBasic && methodId == 100:
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		return &basicRecoverAsync{Requeue: bits[0]}, nil

	case classId == classBasic && methodId == 110:
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		return &basicRecover{Requeue: bits[0]}, nil

	case classId == classBasic && methodId == 111:
		return &basicRecoverOk{}, nil

	case classId == classBasic && methodId == 120:
		m := &basicNack{}
		var err error
		if m.DeliveryTag, err = r.longlong(); err != nil {
			return nil, err
		}
		bits, err := r.bits(2)
		if err != nil {
			return nil, err
		}
		m.Multiple, m.Requeue = bits[0], bits[1]
		return m, nil

	case classId == classConfirm && methodId == 10:
		bits, err := r.bits(1)
		if err != nil {
			return nil, err
		}
		return &confirmSelect{NoWait: bits[0]}, nil

	case classId == classConfirm && methodId == 11:
		return &confirmSelectOk{}, nil

	case classId == classTx && methodId == 10:
		return &txSelect{}, nil
	case classId == classTx && methodId == 11:
		return &txSelectOk{}, nil
	case classId == classTx && methodId == 20:
		return &txCommit{}, nil
	case classId == classTx && methodId == 21:
		return &txCommitOk{}, nil
	case classId == classTx && methodId == 30:
		return &txRollback{}, nil
	case classId == classTx && methodId == 31:
		return &txRollbackOk{}, nil
	}
	return nil, errors.Errorf("unknown method class=%d method=%d", classId, methodId)
}

const (
	flagContentType     = 0x8000
	flagContentEncoding = 0x4000
	flagHeaders         = 0x2000
	flagDeliveryMode    = 0x1000
	flagPriority        = 0x0800
	flagCorrelationId   = 0x0400
	flagReplyTo         = 0x0200
	flagExpiration      = 0x0100
	flagMessageId       = 0x0080
	flagTimestamp       = 0x0040
	flagType            = 0x0020
	flagUserId          = 0x0010
	flagAppId           = 0x0008
)

func writeProperties(w *byteWriter, p properties) error {
	var flags uint16
	if p.ContentType != "" {
		flags |= flagContentType
	}
	if p.ContentEncoding != "" {
		flags |= flagContentEncoding
	}
	if len(p.Headers) > 0 {
		flags |= flagHeaders
	}
	if p.DeliveryMode != 0 {
		flags |= flagDeliveryMode
	}
	if p.Priority != 0 {
		flags |= flagPriority
	}
	if p.CorrelationId != "" {
		flags |= flagCorrelationId
	}
	if p.ReplyTo != "" {
		flags |= flagReplyTo
	}
	if p.Expiration != "" {
		flags |= flagExpiration
	}
	if p.MessageId != "" {
		flags |= flagMessageId
	}
	if !p.Timestamp.IsZero() {
		flags |= flagTimestamp
	}
	if p.Type != "" {
		flags |= flagType
	}
	if p.UserId != "" {
		flags |= flagUserId
	}
	if p.AppId != "" {
		flags |= flagAppId
	}

	if err := w.short(flags); err != nil {
		return err
	}
	var err error
	writeIf := func(cond bool, f func() error) {
		if err == nil && cond {
			err = f()
		}
	}
	writeIf(flags&flagContentType != 0, func() error { return w.shortstr(p.ContentType) })
	writeIf(flags&flagContentEncoding != 0, func() error { return w.shortstr(p.ContentEncoding) })
	writeIf(flags&flagHeaders != 0, func() error { return w.table(p.Headers) })
	writeIf(flags&flagDeliveryMode != 0, func() error { return w.octet(p.DeliveryMode) })
	writeIf(flags&flagPriority != 0, func() error { return w.octet(p.Priority) })
	writeIf(flags&flagCorrelationId != 0, func() error { return w.shortstr(p.CorrelationId) })
	writeIf(flags&flagReplyTo != 0, func() error { return w.shortstr(p.ReplyTo) })
	writeIf(flags&flagExpiration != 0, func() error { return w.shortstr(p.Expiration) })
	writeIf(flags&flagMessageId != 0, func() error { return w.shortstr(p.MessageId) })
	writeIf(flags&flagTimestamp != 0, func() error { return w.timestamp(p.Timestamp) })
	writeIf(flags&flagType != 0, func() error { return w.shortstr(p.Type) })
	writeIf(flags&flagUserId != 0, func() error { return w.shortstr(p.UserId) })
	writeIf(flags&flagAppId != 0, func() error { return w.shortstr(p.AppId) })
	return err
}

func readProperties(r *byteReader) (properties, error) {
	var p properties
	flags, err := r.short()
	if err != nil {
		return p, err
	}
	readIf := func(cond bool, f func() error) {
		if err == nil && cond {
			err = f()
		}
	}
	readIf(flags&flagContentType != 0, func() error { p.ContentType, err = r.shortstr(); return err })
	readIf(flags&flagContentEncoding != 0, func() error { p.ContentEncoding, err = r.shortstr(); return err })
	readIf(flags&flagHeaders != 0, func() error { p.Headers, err = r.tableRaw(); return err })
	readIf(flags&flagDeliveryMode != 0, func() error { p.DeliveryMode, err = r.octet(); return err })
	readIf(flags&flagPriority != 0, func() error { p.Priority, err = r.octet(); return err })
	readIf(flags&flagCorrelationId != 0, func() error { p.CorrelationId, err = r.shortstr(); return err })
	readIf(flags&flagReplyTo != 0, func() error { p.ReplyTo, err = r.shortstr(); return err })
	readIf(flags&flagExpiration != 0, func() error { p.Expiration, err = r.shortstr(); return err })
	readIf(flags&flagMessageId != 0, func() error { p.MessageId, err = r.shortstr(); return err })
	readIf(flags&flagTimestamp != 0, func() error { p.Timestamp, err = r.timestamp(); return err })
	readIf(flags&flagType != 0, func() error { p.Type, err = r.shortstr(); return err })
	readIf(flags&flagUserId != 0, func() error { p.UserId, err = r.shortstr(); return err })
	readIf(flags&flagAppId != 0, func() error { p.AppId, err = r.shortstr(); return err })
	return p, err
}

// writeFrame serializes f directly to w as one frame, issuing separate
// Write calls for the frame header, the payload and the frame-end octet;
// callers in this package pass the raw transport, unbuffered.
func writeFrame(w io.Writer, f frame) error {
	if _, ok := f.(*protocolHeader); ok {
		_, err := w.Write([]byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1})
		return err
	}

	var payload bytes.Buffer
	bw := newByteWriter(&payload)
	var frameType uint8

	switch ff := f.(type) {
	case *methodFrame:
		frameType = frameTypeMethod
		if err := bw.short(ff.Method.classID()); err != nil {
			return err
		}
		if err := bw.short(ff.Method.methodID()); err != nil {
			return err
		}
		if err := writeMethodPayload(bw, ff.Method); err != nil {
			return err
		}
	case *headerFrame:
		frameType = frameTypeHeader
		if err := bw.short(ff.ClassId); err != nil {
			return err
		}
		if err := bw.short(0); err != nil {
			return err
		}
		if err := bw.longlong(ff.BodySize); err != nil {
			return err
		}
		if err := writeProperties(bw, ff.Properties); err != nil {
			return err
		}
	case *bodyFrame:
		frameType = frameTypeBody
		if _, err := payload.Write(ff.Body); err != nil {
			return err
		}
	case *heartbeatFrame:
		frameType = frameTypeHeartbeat
	default:
		return fmt.Errorf("unknown frame type %T", f)
	}

	bw.Flush()

	header := make([]byte, 7)
	header[0] = frameType
	header[1] = byte(f.channel() >> 8)
	header[2] = byte(f.channel())
	sz := uint32(payload.Len())
	header[3] = byte(sz >> 24)
	header[4] = byte(sz >> 16)
	header[5] = byte(sz >> 8)
	header[6] = byte(sz)

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		return err
	}
	_, err := w.Write([]byte{frameEnd})
	return err
}

// readFrame parses exactly one frame from r.
func readFrame(r *byteReader) (frame, error) {
	typ, err := r.octet()
	if err != nil {
		return nil, err
	}
	ch, err := r.short()
	if err != nil {
		return nil, err
	}
	size, err := r.long()
	if err != nil {
		return nil, err
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, err
	}
	end, err := r.octet()
	if err != nil {
		return nil, err
	}
	if end != frameEnd {
		return nil, errors.New("malformed frame: missing frame-end octet")
	}

	pr := newByteReader(bytes.NewReader(payload))

	switch typ {
	case frameTypeMethod:
		classId, err := pr.short()
		if err != nil {
			return nil, err
		}
		methodId, err := pr.short()
		if err != nil {
			return nil, err
		}
		m, err := readMethodPayload(pr, classId, methodId)
		if err != nil {
			return nil, err
		}
		return &methodFrame{ChannelId: ch, Method: m}, nil

	case frameTypeHeader:
		classId, err := pr.short()
		if err != nil {
			return nil, err
		}
		if _, err := pr.short(); err != nil {
			return nil, err
		}
		bodySize, err := pr.longlong()
		if err != nil {
			return nil, err
		}
		props, err := readProperties(pr)
		if err != nil {
			return nil, err
		}
		return &headerFrame{ChannelId: ch, ClassId: classId, BodySize: bodySize, Properties: props}, nil

	case frameTypeBody:
		return &bodyFrame{ChannelId: ch, Body: payload}, nil

	case frameTypeHeartbeat:
		return &heartbeatFrame{ChannelId: ch}, nil
	}

	return nil, errors.Errorf("unknown frame type %d", typ)
}
