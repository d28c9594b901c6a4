// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"net/http"
	"net/url"
)

// Option configures a JSON-RPC request sent by [SendJSONRequest].
type Option func(*Options)

// Options holds the settings of one JSON-RPC request.
type Options struct {
	headers     http.Header
	queryParams url.Values
	logger      SLogger
}

// NewOptions applies ops over the defaults.
func NewOptions(ops []Option) *Options {
	o := &Options{
		headers:     http.Header{},
		queryParams: url.Values{},
		logger:      DefaultSLogger(),
	}
	for _, op := range ops {
		op(o)
	}
	return o
}

// WithHeader adds an HTTP header to the request.
func WithHeader(key, value string) Option {
	return func(o *Options) {
		o.headers.Add(key, value)
	}
}

// WithQueryParam adds a query parameter to the request URI.
func WithQueryParam(key, value string) Option {
	return func(o *Options) {
		o.queryParams.Add(key, value)
	}
}

// WithRequestLogger sets the logger reporting attempts and retries.
func WithRequestLogger(l SLogger) Option {
	return func(o *Options) {
		o.logger = l
	}
}
