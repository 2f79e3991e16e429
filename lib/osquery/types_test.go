package osquery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/osquery.go/lib/thrift"
)

func roundTrip[T thrift.Struct](t *testing.T, in T, out T) {
	t.Helper()
	frame := thrift.EncodeMessage(thrift.Header{Name: "test", Type: thrift.REPLY, SeqID: 9}, in)
	h, r, err := thrift.DecodeHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, "test", h.Name)
	require.NoError(t, thrift.DecodeBody(r, out))
}

func TestExtensionResponse_RoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		resp *ExtensionResponse
	}{
		{
			name: "zero rows",
			resp: &ExtensionResponse{Status: Success(), Response: ExtensionPluginResponse{}},
		},
		{
			name: "rows",
			resp: &ExtensionResponse{
				Status:   &ExtensionStatus{Code: 0, Message: "OK", UUID: 17},
				Response: ExtensionPluginResponse{
					{"pid": "1", "name": "init"},
					{"pid": "2", "name": "kthreadd"},
				},
			},
		},
		{
			name: "failure",
			resp: &ExtensionResponse{Status: Failure("no such table %s", "foo"), Response: ExtensionPluginResponse{}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var got ResponseResult
			roundTrip(t, &ResponseResult{Success: tc.resp}, &got)
			assert.Equal(t, tc.resp, got.Success)
		})
	}
}

func TestResponseResult_MissingSuccess(t *testing.T) {
	var got ResponseResult
	roundTrip(t, &ResponseResult{}, &got)
	assert.Nil(t, got.Success)
}

func TestCallArgs_RoundTrip(t *testing.T) {
	in := &CallArgs{
		Registry: "table",
		Item:     "processes",
		Request:  ExtensionPluginRequest{"action": "generate", "context": `{"constraints":[]}`},
	}
	var got CallArgs
	roundTrip(t, in, &got)
	assert.Equal(t, *in, got)
}

func TestCallArgs_Deterministic(t *testing.T) {
	a := thrift.EncodeMessage(thrift.Header{Name: MethodCall, Type: thrift.CALL, SeqID: 1}, &CallArgs{
		Registry: "table", Item: "t", Request: ExtensionPluginRequest{"b": "2", "a": "1", "c": "3"},
	})
	b := thrift.EncodeMessage(thrift.Header{Name: MethodCall, Type: thrift.CALL, SeqID: 1}, &CallArgs{
		Registry: "table", Item: "t", Request: ExtensionPluginRequest{"c": "3", "a": "1", "b": "2"},
	})
	assert.Equal(t, a, b)
}

func TestCallArgs_WrongFieldType(t *testing.T) {
	w := thrift.NewWriter()
	w.WriteFieldBegin(thrift.I32, 1)
	w.WriteI32(5)
	w.WriteFieldStop()

	var got CallArgs
	err := got.Read(thrift.NewReader(w.Bytes()))
	assert.ErrorIs(t, err, thrift.ErrorMalformed)
}

func TestRegisterExtensionArgs_RoundTrip(t *testing.T) {
	in := &RegisterExtensionArgs{
		Info:     &InternalExtensionInfo{Name: "ext", Version: "1.0.0", SDKVersion: "5.0.0", MinSDKVersion: "4.0.0"},
		Registry: ExtensionRegistry{
			"table": ExtensionRouteTable{
				"processes": ExtensionPluginResponse{
					{"id": "column", "name": "pid", "type": "TEXT", "op": "0"},
					{"id": "column", "name": "name", "type": "TEXT", "op": "0"},
				},
			},
			"config": ExtensionRouteTable{"file": ExtensionPluginResponse{}},
			"logger": ExtensionRouteTable{},
		},
	}
	var got RegisterExtensionArgs
	roundTrip(t, in, &got)
	assert.Equal(t, in.Info, got.Info)
	assert.Equal(t, in.Registry, got.Registry)
}

func TestExtensionsResult_RoundTrip(t *testing.T) {
	in := &ExtensionsResult{Success: InternalExtensionList{
		3:  {Name: "a", Version: "1"},
		1:  {Name: "b", Version: "2"},
		-7: {Name: "c"},
	}}
	var got ExtensionsResult
	roundTrip(t, in, &got)
	assert.Equal(t, in.Success, got.Success)
}

func TestOptionsResult_RoundTrip(t *testing.T) {
	in := &OptionsResult{Success: InternalOptionList{
		"verbose":           {Value: "false", DefaultValue: "false", Type: "bool"},
		"extensions_socket": {Value: "/var/osquery/osquery.em", Type: "string"},
	}}
	var got OptionsResult
	roundTrip(t, in, &got)
	assert.Equal(t, in.Success, got.Success)
}

func TestDeregisterAndSQLArgs_RoundTrip(t *testing.T) {
	var dereg DeregisterExtensionArgs
	roundTrip(t, &DeregisterExtensionArgs{UUID: 12345}, &dereg)
	assert.Equal(t, ExtensionRouteUUID(12345), dereg.UUID)

	var sql SQLArgs
	roundTrip(t, &SQLArgs{SQL: "select 1"}, &sql)
	assert.Equal(t, "select 1", sql.SQL)
}

func TestExtensionStatus_Err(t *testing.T) {
	assert.NoError(t, Success().Err())
	assert.NoError(t, (*ExtensionStatus)(nil).Err())

	err := Failure("boom").Err()
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ExtFailed, se.Code)
	assert.Equal(t, "EXT_FAILED: boom", err.Error())
}
