// Package xmlrpc is a small XML-RPC client and server, sufficient for the ROS
// master and slave APIs.
package xmlrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Fault is a well-formed XML-RPC fault response.
type Fault struct {
	Code    int32
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", f.Code, f.Message)
}

func xmlEscape(s string) string {
	var buffer bytes.Buffer
	_ = xml.EscapeText(&buffer, []byte(s))
	return buffer.String()
}

func emitValue(buf *bytes.Buffer, value interface{}) error {
	if bs, ok := value.([]byte); ok {
		buf.WriteString("<base64>")
		buf.WriteString(base64.StdEncoding.EncodeToString(bs))
		buf.WriteString("</base64>")
		return nil
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return nil
	}
	switch val.Kind() {
	case reflect.Bool:
		if val.Bool() {
			buf.WriteString("<boolean>1</boolean>")
		} else {
			buf.WriteString("<boolean>0</boolean>")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString("<int>")
		buf.WriteString(strconv.FormatInt(val.Int(), 10))
		buf.WriteString("</int>")
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString("<int>")
		buf.WriteString(strconv.FormatUint(val.Uint(), 10))
		buf.WriteString("</int>")
	case reflect.Float32, reflect.Float64:
		buf.WriteString("<double>")
		buf.WriteString(strconv.FormatFloat(val.Float(), 'g', -1, 64))
		buf.WriteString("</double>")
	case reflect.String:
		buf.WriteString("<string>")
		buf.WriteString(xmlEscape(val.String()))
		buf.WriteString("</string>")
	case reflect.Array, reflect.Slice:
		buf.WriteString("<array><data>")
		for i := 0; i < val.Len(); i++ {
			buf.WriteString("<value>")
			if err := emitValue(buf, val.Index(i).Interface()); err != nil {
				return err
			}
			buf.WriteString("</value>")
		}
		buf.WriteString("</data></array>")
	case reflect.Map:
		if val.Type().Key().Kind() != reflect.String {
			return errors.New("xmlrpc: map key must be string")
		}
		buf.WriteString("<struct>")
		for _, key := range val.MapKeys() {
			buf.WriteString("<member><name>")
			buf.WriteString(xmlEscape(key.String()))
			buf.WriteString("</name><value>")
			if err := emitValue(buf, val.MapIndex(key).Interface()); err != nil {
				return err
			}
			buf.WriteString("</value></member>")
		}
		buf.WriteString("</struct>")
	default:
		return errors.Errorf("xmlrpc: cannot encode %s", val.Type())
	}
	return nil
}

func emitRequest(buf *bytes.Buffer, method string, args ...interface{}) error {
	buf.WriteString(xml.Header)
	buf.WriteString("<methodCall><methodName>")
	buf.WriteString(xmlEscape(method))
	buf.WriteString("</methodName><params>")
	for _, arg := range args {
		buf.WriteString("<param><value>")
		if err := emitValue(buf, arg); err != nil {
			return err
		}
		buf.WriteString("</value></param>")
	}
	buf.WriteString("</params></methodCall>")
	return nil
}

func emitResponse(buf *bytes.Buffer, value interface{}) error {
	buf.WriteString(xml.Header)
	buf.WriteString("<methodResponse><params><param><value>")
	if err := emitValue(buf, value); err != nil {
		return err
	}
	buf.WriteString("</value></param></params></methodResponse>")
	return nil
}

func emitFault(buf *bytes.Buffer, code int32, message string) {
	buf.WriteString(xml.Header)
	buf.WriteString("<methodResponse><fault><value>")
	_ = emitValue(buf, map[string]interface{}{
		"faultCode":   code,
		"faultString": message,
	})
	buf.WriteString("</value></fault></methodResponse>")
}

func nextTag(d *xml.Decoder) (xml.StartElement, error) {
	for {
		token, err := d.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if elem, ok := token.(xml.StartElement); ok {
			return elem, nil
		}
	}
}

func expectNextTag(d *xml.Decoder, name string) (xml.StartElement, error) {
	tag, err := nextTag(d)
	if err != nil {
		return xml.StartElement{}, err
	}
	if tag.Name.Local != name {
		return xml.StartElement{}, errors.Errorf("xmlrpc: expected <%s>, got <%s>", name, tag.Name.Local)
	}
	return tag, nil
}

// readText collects character data up to the end of the current element.
func readText(d *xml.Decoder) (string, error) {
	var text strings.Builder
	for {
		token, err := d.Token()
		if err != nil {
			return "", err
		}
		switch t := token.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			return text.String(), nil
		case xml.StartElement:
			return "", errors.Errorf("xmlrpc: unexpected <%s> in scalar", t.Name.Local)
		}
	}
}

// skipTo consumes whitespace up to and including the named closing tag.
func skipTo(d *xml.Decoder, name string) error {
	for {
		token, err := d.Token()
		if err != nil {
			return err
		}
		switch t := token.(type) {
		case xml.EndElement:
			if t.Name.Local == name {
				return nil
			}
		case xml.StartElement:
			return errors.Errorf("xmlrpc: unexpected <%s> before </%s>", t.Name.Local, name)
		}
	}
}

// parseValue parses the contents of a <value> element whose start tag has
// already been consumed. On success the closing </value> has been read too.
func parseValue(d *xml.Decoder) (interface{}, error) {
	var text strings.Builder
	for {
		token, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			// An untyped value is a string.
			return text.String(), nil
		case xml.StartElement:
			v, err := parseTyped(d, t)
			if err != nil {
				return nil, err
			}
			if err := skipTo(d, "value"); err != nil {
				return nil, err
			}
			return v, nil
		}
	}
}

func parseTyped(d *xml.Decoder, start xml.StartElement) (interface{}, error) {
	switch start.Name.Local {
	case "boolean":
		s, err := readText(d)
		if err != nil {
			return nil, err
		}
		switch strings.TrimSpace(s) {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
		return nil, errors.Errorf("xmlrpc: bad boolean %q", s)
	case "i4", "int":
		s, err := readText(d)
		if err != nil {
			return nil, err
		}
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return nil, errors.Wrap(err, "xmlrpc: bad int")
		}
		return int32(i), nil
	case "double":
		s, err := readText(d)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, errors.Wrap(err, "xmlrpc: bad double")
		}
		return f, nil
	case "string":
		return readText(d)
	case "base64":
		s, err := readText(d)
		if err != nil {
			return nil, err
		}
		bs, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Wrap(err, "xmlrpc: bad base64")
		}
		return bs, nil
	case "nil":
		return nil, skipTo(d, "nil")
	case "array":
		return parseArray(d)
	case "struct":
		return parseStruct(d)
	}
	return nil, errors.Errorf("xmlrpc: unsupported type <%s>", start.Name.Local)
}

func parseArray(d *xml.Decoder) (interface{}, error) {
	if _, err := expectNextTag(d, "data"); err != nil {
		return nil, err
	}
	a := []interface{}{}
	for {
		token, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			if t.Name.Local != "value" {
				return nil, errors.Errorf("xmlrpc: unexpected <%s> in array", t.Name.Local)
			}
			v, err := parseValue(d)
			if err != nil {
				return nil, err
			}
			a = append(a, v)
		case xml.EndElement:
			if t.Name.Local == "data" {
				return a, skipTo(d, "array")
			}
		}
	}
}

func parseStruct(d *xml.Decoder) (interface{}, error) {
	m := make(map[string]interface{})
	for {
		token, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			if t.Name.Local != "member" {
				return nil, errors.Errorf("xmlrpc: unexpected <%s> in struct", t.Name.Local)
			}
			name, value, err := parseMember(d)
			if err != nil {
				return nil, err
			}
			m[name] = value
		case xml.EndElement:
			if t.Name.Local == "struct" {
				return m, nil
			}
		}
	}
}

func parseMember(d *xml.Decoder) (string, interface{}, error) {
	var name string
	var value interface{}
	for {
		token, err := d.Token()
		if err != nil {
			return "", nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "name":
				if name, err = readText(d); err != nil {
					return "", nil, err
				}
			case "value":
				if value, err = parseValue(d); err != nil {
					return "", nil, err
				}
			default:
				return "", nil, errors.Errorf("xmlrpc: unexpected <%s> in member", t.Name.Local)
			}
		case xml.EndElement:
			if t.Name.Local == "member" {
				return name, value, nil
			}
		}
	}
}

func parseRequest(d *xml.Decoder) (string, []interface{}, error) {
	if _, err := expectNextTag(d, "methodCall"); err != nil {
		return "", nil, err
	}
	if _, err := expectNextTag(d, "methodName"); err != nil {
		return "", nil, err
	}
	name, err := readText(d)
	if err != nil {
		return "", nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, errors.New("xmlrpc: empty methodName")
	}

	var args []interface{}
	for {
		token, err := d.Token()
		if err == io.EOF {
			return name, args, nil
		}
		if err != nil {
			return "", nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			if t.Name.Local == "value" {
				v, err := parseValue(d)
				if err != nil {
					return "", nil, err
				}
				args = append(args, v)
			}
		case xml.EndElement:
			if t.Name.Local == "methodCall" {
				return name, args, nil
			}
		}
	}
}

// parseResponse returns the decoded result, or a *Fault for fault responses.
func parseResponse(d *xml.Decoder) (interface{}, error) {
	if _, err := expectNextTag(d, "methodResponse"); err != nil {
		return nil, err
	}
	tag, err := nextTag(d)
	if err != nil {
		return nil, err
	}
	switch tag.Name.Local {
	case "params":
		if _, err := expectNextTag(d, "param"); err != nil {
			return nil, err
		}
		if _, err := expectNextTag(d, "value"); err != nil {
			return nil, err
		}
		return parseValue(d)
	case "fault":
		if _, err := expectNextTag(d, "value"); err != nil {
			return nil, err
		}
		v, err := parseValue(d)
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, errors.New("xmlrpc: malformed fault response")
		}
		code, okCode := m["faultCode"].(int32)
		msg, okMsg := m["faultString"].(string)
		if !okCode || !okMsg {
			return nil, errors.New("xmlrpc: malformed fault response")
		}
		return nil, &Fault{Code: code, Message: msg}
	}
	return nil, errors.Errorf("xmlrpc: unexpected <%s> in response", tag.Name.Local)
}

// Client performs XML-RPC calls over HTTP.
type Client struct {
	HTTPClient *http.Client
}

// DefaultClient is used by Call. ROS API calls are sparse, so it opens a
// connection per call instead of keeping idle ones around.
var DefaultClient = &Client{HTTPClient: &http.Client{
	Timeout:   10 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}}

// Call invokes method on the XML-RPC server at url using DefaultClient.
func Call(ctx context.Context, url string, method string, args ...interface{}) (interface{}, error) {
	return DefaultClient.Call(ctx, url, method, args...)
}

// Call invokes method on the XML-RPC server at url.
func (c *Client) Call(ctx context.Context, url string, method string, args ...interface{}) (interface{}, error) {
	var buffer bytes.Buffer
	if err := emitRequest(&buffer, method, args...); err != nil {
		return nil, errors.Wrapf(err, "building %s request", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buffer)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s request", method)
	}
	req.Header.Set("Content-Type", "text/xml")

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "sending %s request", method)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s: HTTP status %s", method, res.Status)
	}

	result, err := parseResponse(xml.NewDecoder(res.Body))
	if err != nil {
		if _, ok := err.(*Fault); ok {
			return nil, err
		}
		return nil, errors.Wrapf(err, "parsing %s response", method)
	}
	return result, nil
}

// Method is a function taking decoded XML-RPC arguments and returning
// (result, error).
type Method interface{}

// Handler dispatches XML-RPC requests to registered methods.
type Handler struct {
	mapping map[string]Method
	wait    sync.WaitGroup
}

// NewHandler returns a handler serving the given methods.
func NewHandler(mapping map[string]Method) *Handler {
	return &Handler{mapping: mapping}
}

// WaitForShutdown blocks until in-flight requests have completed.
func (h *Handler) WaitForShutdown() {
	h.wait.Wait()
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.wait.Add(1)
	defer h.wait.Done()

	var buffer bytes.Buffer
	defer func() {
		w.Header().Set("Content-Type", "text/xml")
		w.Header().Set("Content-Length", strconv.Itoa(buffer.Len()))
		_, _ = buffer.WriteTo(w)
	}()

	name, args, err := parseRequest(xml.NewDecoder(req.Body))
	if err != nil {
		emitFault(&buffer, 1, "Invalid request.")
		return
	}
	method, ok := h.mapping[name]
	if !ok {
		emitFault(&buffer, 1, fmt.Sprintf("No method named '%s'.", name))
		return
	}

	fn := reflect.ValueOf(method)
	ft := fn.Type()
	if ft.Kind() != reflect.Func || ft.NumOut() != 2 || !ft.Out(1).Implements(errorType) {
		emitFault(&buffer, 1, fmt.Sprintf("Method '%s' has an invalid signature.", name))
		return
	}
	if ft.NumIn() != len(args) {
		emitFault(&buffer, 1, fmt.Sprintf("Method '%s' takes %d arguments, got %d.", name, ft.NumIn(), len(args)))
		return
	}
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		v := reflect.ValueOf(arg)
		if !v.IsValid() {
			v = reflect.Zero(ft.In(i))
		}
		if !v.Type().AssignableTo(ft.In(i)) {
			emitFault(&buffer, 1, fmt.Sprintf("Method '%s' argument %d has type %s, want %s.", name, i, v.Type(), ft.In(i)))
			return
		}
		in[i] = v
	}

	out := fn.Call(in)
	if errValue := out[1]; !errValue.IsNil() {
		emitFault(&buffer, 1, fmt.Sprintf("Method '%s' failed: %v", name, errValue.Interface()))
		return
	}
	if err := emitResponse(&buffer, out[0].Interface()); err != nil {
		buffer.Reset()
		emitFault(&buffer, 1, fmt.Sprintf("Method '%s' returned an unencodable result.", name))
	}
}
