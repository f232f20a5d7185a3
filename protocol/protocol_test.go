package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXidKeyValueEquality(t *testing.T) {
	a := &Xid{FormatID: 1, GTRID: []byte{0x01}, BQUAL: []byte{0x02}}
	b := &Xid{FormatID: 1, GTRID: []byte{0x01}, BQUAL: []byte{0x02}}
	c := &Xid{FormatID: 2, GTRID: []byte{0x01}, BQUAL: []byte{0x02}}

	assert.Equal(t, a.Key(), b.Key(), "value-equal xids share a key")
	assert.NotEqual(t, a.Key(), c.Key(), "format id participates in the key")
}

func TestIsConnectionClass(t *testing.T) {
	cases := []struct {
		code    StatusCode
		message string
		want    bool
	}{
		{StatusUnavailable, "", true},
		{StatusTimeout, "", true},
		{StatusCancelled, "", true},
		{StatusUnknown, "dial tcp: connection refused", true},
		{StatusUnknown, "some application error", false},
		{StatusBackendError, "duplicate key", false},
		{StatusNotFound, "", false},
		{StatusOK, "", false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, IsConnectionClass(tc.code, tc.message), "%s %q", tc.code, tc.message)
	}
}

func TestStatusOfMapsErrorKinds(t *testing.T) {
	assert.Equal(t, StatusNotFound, StatusOf(fmt.Errorf("wrap: %w", ErrNotFound)))
	assert.Equal(t, StatusInvalidState, StatusOf(ErrSessionClosed))
	assert.Equal(t, StatusResourceExhausted, StatusOf(ErrResourceExhausted))
	assert.Equal(t, StatusUnsupported, StatusOf(ErrUnsupported))
	assert.Equal(t, StatusUnavailable, StatusOf(ErrUnavailable))
	assert.Equal(t, StatusBackendError, StatusOf(&SQLError{SQLState: "23000", Message: "dup"}))
	assert.Equal(t, StatusUnknown, StatusOf(errors.New("mystery")))
}

func TestToResponsePreservesSQLMetadata(t *testing.T) {
	resp := ToResponse(&SQLError{SQLState: "42S02", VendorCode: 1146, Message: "table missing"})
	assert.Equal(t, StatusBackendError, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "42S02", resp.Error.SQLState)
	assert.Equal(t, 1146, resp.Error.VendorCode)
	assert.True(t, resp.Last)
}

func TestInprocUnaryRoundTrip(t *testing.T) {
	bus := NewInprocBus()
	bus.Register("a:1", func(ctx context.Context, req *Request, sink ReplySink) {
		payload, _ := Marshal(map[string]string{"echo": string(req.Verb)})
		_ = sink.Send(&Response{Status: StatusOK, Payload: payload, Last: true})
	})

	req, err := NewRequest(VerbPing, &PingRequest{})
	require.NoError(t, err)
	resp, err := bus.Caller().Call(context.Background(), "a:1", req)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)

	var echoed map[string]string
	require.NoError(t, Unmarshal(resp.Payload, &echoed))
	assert.Equal(t, "ping", echoed["echo"])
}

func TestInprocStreamDeliversAllParts(t *testing.T) {
	bus := NewInprocBus()
	bus.Register("a:1", func(ctx context.Context, req *Request, sink ReplySink) {
		for i := 0; i < 3; i++ {
			_ = sink.Send(&Response{Status: StatusOK, Seq: i, Last: i == 2})
		}
	})

	req, err := NewRequest(VerbReadLob, &ReadLobRequest{})
	require.NoError(t, err)
	stream, err := bus.Caller().CallStream(context.Background(), "a:1", req)
	require.NoError(t, err)

	var seqs []int
	for {
		resp, err := stream.Recv(context.Background())
		if err == ErrStreamClosed {
			break
		}
		require.NoError(t, err)
		seqs = append(seqs, resp.Seq)
		if resp.Last {
			break
		}
	}
	assert.Equal(t, []int{0, 1, 2}, seqs)
}

func TestInprocDownEndpointIsConnectionClass(t *testing.T) {
	bus := NewInprocBus()
	bus.Register("a:1", func(ctx context.Context, req *Request, sink ReplySink) {
		_ = sink.Send(&Response{Status: StatusOK, Last: true})
	})
	bus.SetDown("a:1", true)

	req, err := NewRequest(VerbPing, &PingRequest{})
	require.NoError(t, err)
	_, err = bus.Caller().Call(context.Background(), "a:1", req)
	require.Error(t, err)
	assert.True(t, IsConnectionClass(StatusOf(err), err.Error()))
}
