// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// Handler is the business logic behind the calls of an [Engine].
//
// All methods run on the engine's dispatch goroutine and must not block.
type Handler interface {
	// Request returns the single request of a client unary or
	// server-stream call.
	Request(c *Call) []byte

	// Next returns the n-th streamed message, counting from zero.
	Next(c *Call, n int) []byte

	// Message is invoked for every streamed message received.
	Message(c *Call, msg []byte)

	// Reply returns the single response of a server unary or client-stream
	// call. A non-nil error becomes the call status.
	Reply(c *Call) ([]byte, error)

	// Done is invoked once the call is torn down, with its final status.
	Done(c *Call, status error)
}

// HandlerFuncs adapts functions to [Handler]. Nil fields do nothing.
type HandlerFuncs struct {
	RequestFunc func(c *Call) []byte
	NextFunc    func(c *Call, n int) []byte
	MessageFunc func(c *Call, msg []byte)
	ReplyFunc   func(c *Call) ([]byte, error)
	DoneFunc    func(c *Call, status error)
}

var _ Handler = &HandlerFuncs{}

// Request implements [Handler].
func (h *HandlerFuncs) Request(c *Call) []byte {
	if h.RequestFunc == nil {
		return nil
	}
	return h.RequestFunc(c)
}

// Next implements [Handler].
func (h *HandlerFuncs) Next(c *Call, n int) []byte {
	if h.NextFunc == nil {
		return nil
	}
	return h.NextFunc(c, n)
}

// Message implements [Handler].
func (h *HandlerFuncs) Message(c *Call, msg []byte) {
	if h.MessageFunc != nil {
		h.MessageFunc(c, msg)
	}
}

// Reply implements [Handler].
func (h *HandlerFuncs) Reply(c *Call) ([]byte, error) {
	if h.ReplyFunc == nil {
		return nil, nil
	}
	return h.ReplyFunc(c)
}

// Done implements [Handler].
func (h *HandlerFuncs) Done(c *Call, status error) {
	if h.DoneFunc != nil {
		h.DoneFunc(c, status)
	}
}

// Route guide methods served and called by [RouteHandler].
const (
	MethodGetFeature   = "/routeguide.RouteGuide/GetFeature"
	MethodListFeatures = "/routeguide.RouteGuide/ListFeatures"
	MethodRecordRoute  = "/routeguide.RouteGuide/RecordRoute"
	MethodRouteChat    = "/routeguide.RouteGuide/RouteChat"
)

// DefaultMethods maps each shape to the route guide method using it.
func DefaultMethods() map[Shape]string {
	return map[Shape]string{
		ShapeUnary:        MethodGetFeature,
		ShapeServerStream: MethodListFeatures,
		ShapeClientStream: MethodRecordRoute,
		ShapeBidiStream:   MethodRouteChat,
	}
}

// Point is the request of GetFeature and the streamed message of
// RecordRoute.
type Point struct {
	Latitude  int32 `json:"latitude"`
	Longitude int32 `json:"longitude"`
}

// Feature is the response of GetFeature and the streamed message of
// ListFeatures.
type Feature struct {
	Name     string `json:"name"`
	Location Point  `json:"location"`
}

// RouteNote is the message exchanged by RouteChat.
type RouteNote struct {
	Message  string `json:"message"`
	Location Point  `json:"location"`
}

// RouteSummary is the response of RecordRoute.
type RouteSummary struct {
	PointCount int `json:"pointCount"`
}

// RouteHandler is a demo [Handler] speaking route guide messages encoded
// with its [Codec].
type RouteHandler struct {
	Codec  Codec
	Logger SLogger
}

var _ Handler = &RouteHandler{}

// NewRouteHandler creates a JSON [*RouteHandler] logging to logger.
func NewRouteHandler(logger SLogger) *RouteHandler {
	return &RouteHandler{Codec: defaultCodec, Logger: logger}
}

func (h *RouteHandler) encode(v any) []byte {
	data, err := h.Codec.Encode(v)
	if err != nil {
		h.Logger.Warn("routeEncodeFailed", "err", err.Error())
		return nil
	}
	return data
}

func (h *RouteHandler) Request(c *Call) []byte {
	return h.encode(Point{Latitude: int32(c.ID), Longitude: -int32(c.ID)})
}

func (h *RouteHandler) Next(c *Call, n int) []byte {
	at := Point{Latitude: int32(n + 1), Longitude: int32(c.ID)}
	switch {
	case c.Role == RoleServer && c.Shape == ShapeBidiStream:
		return h.encode(RouteNote{Message: fmt.Sprintf("Server Message #%d", n+1), Location: at})
	case c.Role == RoleServer:
		return h.encode(Feature{Name: fmt.Sprintf("stream-reply #%d", n+1), Location: at})
	case c.Shape == ShapeBidiStream:
		return h.encode(RouteNote{Message: fmt.Sprintf("Client Message #%d", n+1), Location: at})
	default:
		return h.encode(at)
	}
}

func (h *RouteHandler) Message(c *Call, msg []byte) {
	h.Logger.Debug("routeMessage", c.logArgs("message", string(msg))...)
}

func (h *RouteHandler) Reply(c *Call) ([]byte, error) {
	if c.Shape == ShapeClientStream {
		return h.Codec.Encode(RouteSummary{PointCount: c.Received})
	}
	var at Point
	if err := h.Codec.Decode(c.Request, &at); err != nil {
		return nil, NewStatusError(codes.InvalidArgument, "decoding point: %v", err)
	}
	return h.Codec.Encode(Feature{Name: "whatever", Location: at})
}

func (h *RouteHandler) Done(c *Call, status error) {
	args := c.logArgs("response", string(c.Response), "sent", c.Sent, "received", c.Received)
	if status != nil {
		h.Logger.Warn("routeFailed", append(args, "err", status.Error())...)
		return
	}
	h.Logger.Info("routeDone", args...)
}
