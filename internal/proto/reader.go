package proto

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Reader decodes one RESP reply at a time from a buffered byte stream.
// Length-framed parsing consumes exactly the bytes belonging to one reply;
// a short read surfaces as an IO error from the underlying reader.
type Reader struct {
	rd *bufio.Reader
}

func NewReader(rd io.Reader) *Reader {
	return &Reader{
		rd: bufio.NewReader(rd),
	}
}

func (r *Reader) Buffered() int {
	return r.rd.Buffered()
}

func (r *Reader) Reset(rd io.Reader) {
	r.rd.Reset(rd)
}

// Discard drops any bytes already decoded into the read buffer. It does not
// touch the underlying stream.
func (r *Reader) Discard() {
	if n := r.rd.Buffered(); n > 0 {
		_, _ = r.rd.Discard(n)
	}
}

// ReadLine reads one CRLF-terminated line, excluding the terminator.
func (r *Reader) ReadLine() ([]byte, error) {
	b, err := r.rd.ReadSlice('\n')
	if err != nil {
		if err != bufio.ErrBufferFull {
			return nil, err
		}

		full := make([]byte, len(b))
		copy(full, b)

		b, err = r.rd.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		b = append(full, b...)
	}
	if len(b) <= 2 || b[len(b)-1] != '\n' || b[len(b)-2] != '\r' {
		return nil, &ParseError{Line: string(b)}
	}
	return b[:len(b)-2], nil
}

// ReadReply decodes exactly one reply. Server error replies are returned as
// RedisError; nil bulk strings and nil arrays decode to an untyped nil.
func (r *Reader) ReadReply() (interface{}, error) {
	line, err := r.ReadLine()
	if err != nil {
		return nil, err
	}

	switch line[0] {
	case StatusReply:
		return string(line[1:]), nil
	case ErrorReply:
		return nil, RedisError(line[1:])
	case IntReply:
		return parseInt(line[1:])
	case StringReply:
		return r.readBulkString(line)
	case ArrayReply:
		return r.readArray(line)
	default:
		return nil, &ParseError{Line: string(line)}
	}
}

func (r *Reader) readBulkString(line []byte) (interface{}, error) {
	n, err := parseLen(line)
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}

	b := make([]byte, n+2)
	if _, err := io.ReadFull(r.rd, b); err != nil {
		return nil, err
	}
	if b[n] != '\r' || b[n+1] != '\n' {
		return nil, &ParseError{Line: string(b)}
	}
	return string(b[:n]), nil
}

func (r *Reader) readArray(line []byte) (interface{}, error) {
	n, err := parseLen(line)
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}

	val := make([]interface{}, n)
	for i := 0; i < n; i++ {
		v, err := r.ReadReply()
		if err != nil {
			// A server error is a legal array element, e.g. inside an
			// EXEC reply. Transport and framing errors abort the array.
			if redisErr, ok := err.(RedisError); ok {
				val[i] = redisErr
				continue
			}
			return nil, err
		}
		val[i] = v
	}
	return val, nil
}

func parseLen(line []byte) (int, error) {
	n, err := parseInt(line[1:])
	if err != nil {
		return 0, err
	}
	if n < -1 {
		return 0, &ParseError{Line: string(line)}
	}
	return int(n), nil
}

func parseInt(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, &ParseError{Line: fmt.Sprintf(":%s", b)}
	}
	return n, nil
}
