// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestRouteHandlerMessages(t *testing.T) {
	h := NewRouteHandler(DefaultSLogger())
	tests := []struct {
		name  string
		role  Role
		shape Shape
		want  any
		into  any
	}{
		{
			name: "server bidi", role: RoleServer, shape: ShapeBidiStream,
			want: &RouteNote{Message: "Server Message #2", Location: Point{Latitude: 2, Longitude: 7}},
			into: &RouteNote{},
		},
		{
			name: "server stream", role: RoleServer, shape: ShapeServerStream,
			want: &Feature{Name: "stream-reply #2", Location: Point{Latitude: 2, Longitude: 7}},
			into: &Feature{},
		},
		{
			name: "client bidi", role: RoleClient, shape: ShapeBidiStream,
			want: &RouteNote{Message: "Client Message #2", Location: Point{Latitude: 2, Longitude: 7}},
			into: &RouteNote{},
		},
		{
			name: "client stream", role: RoleClient, shape: ShapeClientStream,
			want: &Point{Latitude: 2, Longitude: 7},
			into: &Point{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Call{ID: 7, Role: tt.role, Shape: tt.shape}
			require.NoError(t, h.Codec.Decode(h.Next(c, 1), tt.into))
			require.Equal(t, tt.want, tt.into)
		})
	}
}

func TestRouteHandlerReply(t *testing.T) {
	h := NewRouteHandler(DefaultSLogger())

	client := &Call{ID: 3, Role: RoleClient, Shape: ShapeUnary}
	server := &Call{ID: 1, Role: RoleServer, Shape: ShapeUnary, Request: h.Request(client)}
	reply, err := h.Reply(server)
	require.NoError(t, err)
	var feature Feature
	require.NoError(t, h.Codec.Decode(reply, &feature))
	require.Equal(t, Feature{Name: "whatever", Location: Point{Latitude: 3, Longitude: -3}}, feature)

	summary := &Call{ID: 2, Role: RoleServer, Shape: ShapeClientStream, Received: 5}
	reply, err = h.Reply(summary)
	require.NoError(t, err)
	var sum RouteSummary
	require.NoError(t, h.Codec.Decode(reply, &sum))
	require.Equal(t, 5, sum.PointCount)
}

func TestRouteHandlerReplyBadRequest(t *testing.T) {
	h := NewRouteHandler(DefaultSLogger())
	_, err := h.Reply(&Call{Role: RoleServer, Shape: ShapeUnary, Request: []byte("{")})
	require.Equal(t, codes.InvalidArgument, StatusCode(err))
}

func TestHandlerFuncsNilSafe(t *testing.T) {
	var h HandlerFuncs
	c := &Call{}
	require.Nil(t, h.Request(c))
	require.Nil(t, h.Next(c, 0))
	reply, err := h.Reply(c)
	require.NoError(t, err)
	require.Nil(t, reply)
	h.Message(c, nil)
	h.Done(c, nil)
}
