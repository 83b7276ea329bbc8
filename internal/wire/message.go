package wire

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Status is the outcome carried by a response frame.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusObjectNotExist
	StatusOperationNotExist
	StatusUserException
	StatusUnknownException
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusObjectNotExist:
		return "object_not_exist"
	case StatusOperationNotExist:
		return "operation_not_exist"
	case StatusUserException:
		return "user_exception"
	case StatusUnknownException:
		return "unknown_exception"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Mode selects whether the caller waits for a response.
type Mode uint8

const (
	Twoway Mode = iota
	Oneway
)

func (m Mode) String() string {
	if m == Oneway {
		return "oneway"
	}
	return "twoway"
}

// Request addresses one operation on one servant.
type Request struct {
	CorrelationID uint64
	Identity      string
	Operation     string
	Mode          Mode
	Payload       []byte
}

// Response answers a twoway request with the same correlation id.
type Response struct {
	CorrelationID uint64
	Status        Status
	Payload       []byte
}

var ErrMalformedBody = errors.New("wire: malformed request body")

const (
	fieldIdentity  protowire.Number = 1
	fieldOperation protowire.Number = 2
	fieldPayload   protowire.Number = 3
)

func WriteRequest(w io.Writer, req Request, limits Limits) error {
	limits = limits.orDefault()
	if len(req.Identity) > limits.MaxNameBytes || len(req.Operation) > limits.MaxNameBytes {
		return fmt.Errorf("wire: identity or operation exceeds %d bytes", limits.MaxNameBytes)
	}
	var body []byte
	body = protowire.AppendTag(body, fieldIdentity, protowire.BytesType)
	body = protowire.AppendString(body, req.Identity)
	body = protowire.AppendTag(body, fieldOperation, protowire.BytesType)
	body = protowire.AppendString(body, req.Operation)
	body = protowire.AppendTag(body, fieldPayload, protowire.BytesType)
	body = protowire.AppendBytes(body, req.Payload)

	var flags uint32
	if req.Mode == Oneway {
		flags |= FlagOneway
	}
	return WriteFrame(w, Frame{
		Header: Header{CorrelationID: req.CorrelationID, Type: TypeRequest, Flags: flags},
		Body:   body,
	}, limits)
}

func ReadRequest(r io.Reader, limits Limits) (Request, error) {
	limits = limits.orDefault()
	f, err := ReadFrame(r, limits)
	if err != nil {
		return Request{}, err
	}
	if f.Header.Type != TypeRequest {
		return Request{}, fmt.Errorf("%w: %d", ErrUnexpectedType, f.Header.Type)
	}
	req := Request{CorrelationID: f.Header.CorrelationID, Mode: Twoway}
	if f.Header.Flags&FlagOneway != 0 {
		req.Mode = Oneway
	}
	b := f.Body
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return Request{}, ErrMalformedBody
		}
		b = b[n:]
		val, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Request{}, ErrMalformedBody
		}
		b = b[n:]
		switch num {
		case fieldIdentity:
			req.Identity = string(val)
		case fieldOperation:
			req.Operation = string(val)
		case fieldPayload:
			req.Payload = val
		}
	}
	if len(req.Identity) > limits.MaxNameBytes || len(req.Operation) > limits.MaxNameBytes {
		return Request{}, fmt.Errorf("%w: name too long", ErrMalformedBody)
	}
	return req, nil
}

func WriteResponse(w io.Writer, resp Response, limits Limits) error {
	return WriteFrame(w, Frame{
		Header: Header{CorrelationID: resp.CorrelationID, Type: TypeResponse, Status: resp.Status},
		Body:   resp.Payload,
	}, limits)
}

func ReadResponse(r io.Reader, limits Limits) (Response, error) {
	f, err := ReadFrame(r, limits)
	if err != nil {
		return Response{}, err
	}
	if f.Header.Type != TypeResponse {
		return Response{}, fmt.Errorf("%w: %d", ErrUnexpectedType, f.Header.Type)
	}
	return Response{
		CorrelationID: f.Header.CorrelationID,
		Status:        f.Header.Status,
		Payload:       f.Body,
	}, nil
}
