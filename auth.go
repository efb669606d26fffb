package amqp

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// Authentication is a SASL mechanism this library can respond with during
// connection.start-ok. Only PLAIN and AMQPLAIN are implemented; anything
// beyond those is out of scope.
type Authentication interface {
	Mechanism() string
	Response() string
}

// PlainAuth implements the SASL PLAIN mechanism.
type PlainAuth struct {
	Username string
	Password string
}

func (a *PlainAuth) Mechanism() string { return "PLAIN" }

func (a *PlainAuth) Response() string {
	return fmt.Sprintf("\000%s\000%s", a.Username, a.Password)
}

// AMQPPlainAuth implements RabbitMQ's AMQPLAIN mechanism, which encodes the
// credentials as an AMQP field table rather than the NUL-delimited triple
// SASL PLAIN uses.
type AMQPPlainAuth struct {
	Username string
	Password string
}

func (a *AMQPPlainAuth) Mechanism() string { return "AMQPLAIN" }

func (a *AMQPPlainAuth) Response() string {
	var buf bytes.Buffer
	bw := newByteWriter(&buf)
	bw.shortstr("LOGIN")
	bw.field(a.Username)
	bw.shortstr("PASSWORD")
	bw.field(a.Password)
	bw.Flush()
	return buf.String()
}

// pickMechanism chooses the first mechanism in prefer that the server also
// advertised, matching the order the caller supplied (not the server's).
func pickMechanism(serverMechanisms string, prefer []Authentication) (Authentication, error) {
	offered := map[string]bool{}
	for _, m := range splitSpaces(serverMechanisms) {
		offered[m] = true
	}
	for _, auth := range prefer {
		if offered[auth.Mechanism()] {
			return auth, nil
		}
	}
	return nil, errors.Wrap(ErrSASL, "no mechanism in common with server offer "+serverMechanisms)
}

func splitSpaces(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}
