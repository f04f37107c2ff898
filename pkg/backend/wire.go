package backend

import (
	"encoding/json"
	"strings"

	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/meta"
)

// HTTP wire format shared by pkg/server and httpbackend.
const (
	// APIPrefix prefixes every call route: POST /api/{kind}/{namespace:name}.
	APIPrefix = "/api/"
	// SubscribePrefix prefixes the server-sent events route: GET /api/subscribe/{namespace:name}.
	SubscribePrefix = APIPrefix + "subscribe/"
	// ArgsParam carries the JSON arguments of a subscription.
	ArgsParam = "args"

	EventUpdate = "update"
	EventError  = "error"
)

// Response is the body of every call response. Exactly one field is set.
type Response struct {
	Value json.RawMessage   `json:"value,omitempty"`
	Error *crpcerrors.Error `json:"error,omitempty"`
}

// CallPath returns the route of a call.
func CallPath(kind meta.Kind, name string) string {
	return APIPrefix + string(kind) + "/" + name
}

// SubscribePath returns the route of a live query.
func SubscribePath(name string) string {
	return SubscribePrefix + name
}

// gRPC wire format shared by grpcserver and grpcbackend. Methods are
// /crpc.v1.{kind}/{namespace:name} and /crpc.v1.subscribe/{namespace:name}; the single
// request message carries the arguments.
const (
	GRPCServicePrefix = "crpc.v1."
	SubscribeService  = "subscribe"
)

// FullMethod returns the gRPC method of a call.
func FullMethod(kind meta.Kind, name string) string {
	return "/" + GRPCServicePrefix + string(kind) + "/" + name
}

// SubscribeMethod returns the gRPC method of a live query.
func SubscribeMethod(name string) string {
	return "/" + GRPCServicePrefix + SubscribeService + "/" + name
}

// ParseFullMethod splits a gRPC method built by FullMethod or SubscribeMethod.
func ParseFullMethod(fullMethod string) (service, name string, ok bool) {
	rest, ok := strings.CutPrefix(fullMethod, "/"+GRPCServicePrefix)
	if !ok {
		return "", "", false
	}
	service, name, ok = strings.Cut(rest, "/")
	if !ok || service == "" || name == "" {
		return "", "", false
	}
	return service, name, true
}
