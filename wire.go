package amqp

// Frame codec: the concrete implementation behind the Frame I/O boundary.
// The state machines in connection.go/channel.go never see a byte; they
// only ever see frame/Method/content values produced and consumed here.

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
)

type byteWriter struct {
	w *bufio.Writer
}

func newByteWriter(w io.Writer) *byteWriter { return &byteWriter{bufio.NewWriter(w)} }

func (w *byteWriter) octet(v uint8) error  { return w.w.WriteByte(v) }
func (w *byteWriter) short(v uint16) error { return binary.Write(w.w, binary.BigEndian, v) }
func (w *byteWriter) long(v uint32) error  { return binary.Write(w.w, binary.BigEndian, v) }
func (w *byteWriter) longlong(v uint64) error { return binary.Write(w.w, binary.BigEndian, v) }

func (w *byteWriter) shortstr(s string) error {
	if len(s) > 255 {
		return fmt.Errorf("shortstr too long: %d bytes", len(s))
	}
	if err := w.octet(uint8(len(s))); err != nil {
		return err
	}
	_, err := w.w.WriteString(s)
	return err
}

func (w *byteWriter) longstr(s string) error {
	if err := w.long(uint32(len(s))); err != nil {
		return err
	}
	_, err := w.w.WriteString(s)
	return err
}

func (w *byteWriter) bytesField(b []byte) error {
	if err := w.long(uint32(len(b))); err != nil {
		return err
	}
	_, err := w.w.Write(b)
	return err
}

func (w *byteWriter) bits(flags ...bool) error {
	for i := 0; i < len(flags); i += 8 {
		var b byte
		for j := 0; j < 8 && i+j < len(flags); j++ {
			if flags[i+j] {
				b |= 1 << uint(j)
			}
		}
		if err := w.octet(b); err != nil {
			return err
		}
	}
	return nil
}

func (w *byteWriter) timestamp(t time.Time) error {
	return w.longlong(uint64(t.Unix()))
}

func (w *byteWriter) field(v interface{}) error {
	switch val := v.(type) {
	case nil:
		return w.octet('V')
	case bool:
		if err := w.octet('t'); err != nil {
			return err
		}
		if val {
			return w.octet(1)
		}
		return w.octet(0)
	case int8:
		if err := w.octet('b'); err != nil {
			return err
		}
		return w.octet(uint8(val))
	case int16:
		if err := w.octet('s'); err != nil {
			return err
		}
		return w.short(uint16(val))
	case int32:
		if err := w.octet('I'); err != nil {
			return err
		}
		return w.long(uint32(val))
	case int64:
		if err := w.octet('L'); err != nil {
			return err
		}
		return w.longlong(uint64(val))
	case float32:
		if err := w.octet('f'); err != nil {
			return err
		}
		return binary.Write(w.w, binary.BigEndian, val)
	case float64:
		if err := w.octet('d'); err != nil {
			return err
		}
		return binary.Write(w.w, binary.BigEndian, val)
	case string:
		if err := w.octet('S'); err != nil {
			return err
		}
		return w.longstr(val)
	case []byte:
		if err := w.octet('x'); err != nil {
			return err
		}
		return w.bytesField(val)
	case Decimal:
		if err := w.octet('D'); err != nil {
			return err
		}
		if err := w.octet(val.Scale); err != nil {
			return err
		}
		return w.long(uint32(val.Value))
	case time.Time:
		if err := w.octet('T'); err != nil {
			return err
		}
		return w.timestamp(val)
	case Table:
		if err := w.octet('F'); err != nil {
			return err
		}
		return w.table(val)
	case []interface{}:
		if err := w.octet('A'); err != nil {
			return err
		}
		return w.array(val)
	}
	return errors.Errorf("unsupported table field type %T", v)
}

func (w *byteWriter) array(a []interface{}) error {
	var buf bytes.Buffer
	bw := &byteWriter{bufio.NewWriter(&buf)}
	for _, v := range a {
		if err := bw.field(v); err != nil {
			return err
		}
	}
	bw.w.Flush()
	return w.bytesField(buf.Bytes())
}

func (w *byteWriter) table(t Table) error {
	var buf bytes.Buffer
	bw := &byteWriter{bufio.NewWriter(&buf)}
	for k, v := range t {
		if err := bw.shortstr(k); err != nil {
			return err
		}
		if err := bw.field(v); err != nil {
			return err
		}
	}
	bw.w.Flush()
	return w.bytesField(buf.Bytes())
}

func (w *byteWriter) Flush() error { return w.w.Flush() }

type byteReader struct {
	r *bufio.Reader
}

func newByteReader(r io.Reader) *byteReader { return &byteReader{bufio.NewReader(r)} }

func (r *byteReader) octet() (uint8, error) { return r.r.ReadByte() }

func (r *byteReader) short() (uint16, error) {
	var v uint16
	err := binary.Read(r.r, binary.BigEndian, &v)
	return v, err
}

func (r *byteReader) long() (uint32, error) {
	var v uint32
	err := binary.Read(r.r, binary.BigEndian, &v)
	return v, err
}

func (r *byteReader) longlong() (uint64, error) {
	var v uint64
	err := binary.Read(r.r, binary.BigEndian, &v)
	return v, err
}

func (r *byteReader) shortstr() (string, error) {
	n, err := r.octet()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (r *byteReader) longstr() (string, error) {
	n, err := r.long()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (r *byteReader) bytesField() ([]byte, error) {
	n, err := r.long()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *byteReader) bits(n int) ([]bool, error) {
	out := make([]bool, n)
	for i := 0; i < n; i += 8 {
		b, err := r.octet()
		if err != nil {
			return nil, err
		}
		for j := 0; j < 8 && i+j < n; j++ {
			out[i+j] = b&(1<<uint(j)) != 0
		}
	}
	return out, nil
}

func (r *byteReader) timestamp() (time.Time, error) {
	v, err := r.longlong()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(v), 0), nil
}

func (r *byteReader) field() (interface{}, error) {
	tag, err := r.octet()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 'V':
		return nil, nil
	case 't':
		b, err := r.octet()
		return b != 0, err
	case 'b':
		b, err := r.octet()
		return int8(b), err
	case 's':
		v, err := r.short()
		return int16(v), err
	case 'I':
		v, err := r.long()
		return int32(v), err
	case 'L':
		v, err := r.longlong()
		return int64(v), err
	case 'f':
		var v float32
		err := binary.Read(r.r, binary.BigEndian, &v)
		return v, err
	case 'd':
		var v float64
		err := binary.Read(r.r, binary.BigEndian, &v)
		return v, err
	case 'S':
		return r.longstr()
	case 'x':
		return r.bytesField()
	case 'D':
		scale, err := r.octet()
		if err != nil {
			return nil, err
		}
		val, err := r.long()
		return Decimal{Scale: scale, Value: int32(val)}, err
	case 'T':
		return r.timestamp()
	case 'F':
		return r.tableRaw()
	case 'A':
		return r.arrayRaw()
	}
	return nil, errors.Errorf("unsupported table field type %q", tag)
}

func (r *byteReader) tableRaw() (Table, error) {
	buf, err := r.bytesField()
	if err != nil {
		return nil, err
	}
	sub := newByteReader(bytes.NewReader(buf))
	out := Table{}
	for hasMore(sub.r) {
		key, err := sub.shortstr()
		if err != nil {
			return nil, err
		}
		val, err := sub.field()
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

func (r *byteReader) arrayRaw() ([]interface{}, error) {
	buf, err := r.bytesField()
	if err != nil {
		return nil, err
	}
	sub := newByteReader(bytes.NewReader(buf))
	var out []interface{}
	for hasMore(sub.r) {
		v, err := sub.field()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func hasMore(r *bufio.Reader) bool {
	_, err := r.Peek(1)
	return err == nil
}
