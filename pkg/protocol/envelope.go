package protocol

import (
	"encoding/json"
	"fmt"
)

// Request is one decoded JSON-RPC request.
//
// ID may be any non-null JSON value and is echoed back verbatim. Kwparams
// is a non-standard extension to JSON-RPC 1.0 carrying keyword arguments.
type Request struct {
	ID       any
	Method   string
	Params   []any
	Kwparams map[string]any
}

// Response is one RPC response envelope. Exactly one of Result and Err is
// meaningful: a nil Err marks success.
type Response struct {
	ID     any
	Result any
	Err    *WireError
}

var requestFields = map[string]bool{
	"id":       true,
	"method":   true,
	"params":   true,
	"kwparams": true,
}

// DecodeRequest parses and validates one request message.
//
// Failures map onto the wire taxonomy: unparseable bytes yield
// DeserializationError, a shape mismatch yields InvalidRequest and a null
// id yields NotificationsNotImplemented.
func DecodeRequest(body []byte) (*Request, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, NewDeserializationError(body)
	}

	for key := range raw {
		if !requestFields[key] {
			return nil, NewInvalidRequest(fmt.Sprintf("unexpected field %q", key))
		}
	}
	for _, key := range []string{"id", "method", "params"} {
		if _, ok := raw[key]; !ok {
			return nil, NewInvalidRequest(fmt.Sprintf("missing field %q", key))
		}
	}

	method, ok := raw["method"].(string)
	if !ok {
		return nil, NewInvalidRequest("field \"method\" must be a string")
	}
	params, ok := raw["params"].([]any)
	if !ok {
		return nil, NewInvalidRequest("field \"params\" must be an array")
	}
	kwparams := map[string]any{}
	if rawKw, present := raw["kwparams"]; present {
		kwparams, ok = rawKw.(map[string]any)
		if !ok {
			return nil, NewInvalidRequest("field \"kwparams\" must be an object")
		}
	}

	if raw["id"] == nil {
		return nil, NewNotificationsNotImplemented()
	}

	return &Request{
		ID:       raw["id"],
		Method:   method,
		Params:   revive(params).([]any),
		Kwparams: revive(kwparams).(map[string]any),
	}, nil
}

// EncodeRequest serializes a request envelope (client side). An empty
// kwparams map is left off the wire.
func EncodeRequest(req *Request) ([]byte, error) {
	params := req.Params
	if params == nil {
		params = []any{}
	}
	envelope := map[string]any{
		"id":     normalize(req.ID),
		"method": req.Method,
		"params": normalize(params),
	}
	if len(req.Kwparams) > 0 {
		envelope["kwparams"] = normalize(req.Kwparams)
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("could not serialize request: %w", err)
	}
	return body, nil
}

// EncodeResponse serializes a response envelope.
//
// A result that cannot be serialized downgrades to a SerializationError
// envelope rather than failing the task; the returned error is non-nil only
// when even the fallback envelope cannot be built (which would indicate an
// unencodable request id).
func EncodeResponse(resp *Response) ([]byte, error) {
	body, err := marshalEnvelope(resp.ID, resp.Result, resp.Err)
	if err == nil {
		return body, nil
	}

	fallback := Errorf(ErrNameSerialization, "Result not serializable")
	body, err = marshalEnvelope(resp.ID, nil, fallback)
	if err != nil {
		return nil, fmt.Errorf("encoding fallback response: %w", err)
	}
	return body, nil
}

func marshalEnvelope(id, result any, wireErr *WireError) ([]byte, error) {
	envelope := map[string]any{
		"id":     normalize(id),
		"result": normalize(result),
		"error":  nil,
	}
	if wireErr != nil {
		errObj := map[string]any{
			"name":    wireErr.Name,
			"message": wireErr.Message,
		}
		if len(wireErr.Data) > 0 {
			errObj["data"] = normalize(wireErr.Data)
		}
		envelope["error"] = errObj
		envelope["result"] = nil
	}
	return json.Marshal(envelope)
}

// DecodeResponse parses one response message (client side).
func DecodeResponse(body []byte) (*Response, error) {
	var raw struct {
		ID     any             `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *WireError      `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("could not deserialize response: %w", err)
	}

	resp := &Response{ID: raw.ID, Err: raw.Error}
	if raw.Error == nil && len(raw.Result) > 0 {
		var result any
		if err := json.Unmarshal(raw.Result, &result); err != nil {
			return nil, fmt.Errorf("could not deserialize result: %w", err)
		}
		resp.Result = revive(result)
	}
	return resp, nil
}
