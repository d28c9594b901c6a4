// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunAll runs every engine on its own goroutine and waits for all of them.
// The first engine failing cancels the others.
func RunAll(ctx context.Context, engines ...*Engine) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range engines {
		g.Go(func() error {
			return e.Run(ctx)
		})
	}
	return g.Wait()
}
