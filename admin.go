// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admin endpoint paths.
const (
	AdminRPCPath     = "/rpc"
	AdminMetricsPath = "/metrics"
)

// AdminService is the JSON-RPC service exposing running engines as "Admin".
type AdminService struct {
	engines []*Engine
	logger  SLogger
}

// StatsArgs are the arguments of Admin.Stats.
type StatsArgs struct{}

// StatsReply is the result of Admin.Stats.
type StatsReply struct {
	Engines []Stats `json:"engines"`
	Total   Stats   `json:"total"`
}

// StopArgs are the arguments of Admin.Stop. An empty Engine stops all.
type StopArgs struct {
	Engine string `json:"engine"`
}

// StopReply is the result of Admin.Stop.
type StopReply struct {
	Stopped []string `json:"stopped"`
}

// Stats returns the counters of every engine and their sum.
func (s *AdminService) Stats(_ *http.Request, _ *StatsArgs, reply *StatsReply) error {
	reply.Total = Stats{Name: "total"}
	for _, e := range s.engines {
		st := e.Stats()
		reply.Engines = append(reply.Engines, st)
		reply.Total.Admitted += st.Admitted
		reply.Total.Rejected += st.Rejected
		reply.Total.Completed += st.Completed
		reply.Total.Failed += st.Failed
		reply.Total.SlotsLost += st.SlotsLost
		reply.Total.Events += st.Events
		reply.Total.Deferred += st.Deferred
		reply.Total.Live += st.Live
	}
	return nil
}

// Stop stops the named engine, or all of them.
func (s *AdminService) Stop(r *http.Request, args *StopArgs, reply *StopReply) error {
	for _, e := range s.engines {
		if args.Engine != "" && args.Engine != e.Name() {
			continue
		}
		e.Stop()
		reply.Stopped = append(reply.Stopped, e.Name())
	}
	if args.Engine != "" && len(reply.Stopped) == 0 {
		return fmt.Errorf("no engine named %q", args.Engine)
	}
	s.logger.Info("adminStop", "remote", r.RemoteAddr, "stopped", reply.Stopped)
	return nil
}

// NewAdminHandler serves the Admin JSON-RPC service at [AdminRPCPath] and
// the metrics gathered by gatherer at [AdminMetricsPath].
func NewAdminHandler(gatherer prometheus.Gatherer, logger SLogger, engines ...*Engine) (http.Handler, error) {
	if logger == nil {
		logger = DefaultSLogger()
	}
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(&AdminService{engines: engines, logger: logger}, "Admin"); err != nil {
		return nil, fmt.Errorf("asyncrpc: registering admin service: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(AdminRPCPath, server)
	mux.Handle(AdminMetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux, nil
}

// AdminStats calls Admin.Stats on the admin endpoint at uri.
func AdminStats(ctx context.Context, uri *url.URL, opts ...Option) (*StatsReply, error) {
	reply := &StatsReply{}
	if err := SendJSONRequest(ctx, uri, "Admin.Stats", &StatsArgs{}, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}

// AdminStop calls Admin.Stop on the admin endpoint at uri.
func AdminStop(ctx context.Context, uri *url.URL, engine string, opts ...Option) (*StopReply, error) {
	reply := &StopReply{}
	if err := SendJSONRequest(ctx, uri, "Admin.Stop", &StopArgs{Engine: engine}, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}
