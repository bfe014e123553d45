package ros

import (
	"context"

	"github.com/edwinhayes/iiwastate/xmlrpc"
	"github.com/pkg/errors"
)

const (
	//APIStatusError is an API call which returned an Error
	APIStatusError = -1
	//APIStatusFailure is a failed API call
	APIStatusFailure = 0
	//APIStatusSuccess is a successful API call
	APIStatusSuccess = 1
)

// callRosAPI performs a master or slave API call and unpacks the
// (code, statusMessage, value) triplet every ROS API returns.
func callRosAPI(ctx context.Context, calleeURI string, method string, args ...interface{}) (interface{}, error) {
	result, err := xmlrpc.Call(ctx, calleeURI, method, args...)
	if err != nil {
		return nil, err
	}

	xs, ok := result.([]interface{})
	if !ok {
		return nil, errors.Errorf("%s: malformed ROS API result", method)
	}
	if len(xs) != 3 {
		return nil, errors.Errorf("%s: malformed ROS API result, length must be 3 but is %d", method, len(xs))
	}
	code, ok := xs[0].(int32)
	if !ok {
		return nil, errors.Errorf("%s: status code is not int", method)
	}
	message, ok := xs[1].(string)
	if !ok {
		return nil, errors.Errorf("%s: status message is not string", method)
	}
	if code != APIStatusSuccess {
		return nil, errors.Errorf("%s failed with code %d: %s", method, code, message)
	}
	return xs[2], nil
}

// buildRosAPIResult builds the XML-RPC value for a ROS API result triplet.
func buildRosAPIResult(code int32, message string, value interface{}) interface{} {
	return []interface{}{code, message, value}
}
