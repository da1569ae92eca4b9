package forward

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/punchportal/internal/portal"
)

const bufferSize = 32 * 1024

var buffers = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// Stats counts the bytes copied by Splice. Out is a to b; In is b to a.
type Stats struct {
	Out int64
	In  int64
}

// Splice copies bytes between a and b in both directions. When one direction
// reaches end of stream, the write side of its destination is half-closed if
// it supports it, and the other direction keeps going. An error in either
// direction, or ctx being done, closes both streams. Both streams are closed
// when Splice returns.
func Splice(ctx context.Context, a, b portal.Stream) (Stats, error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var (
		stats Stats
		g     errgroup.Group
	)
	g.Go(func() error {
		var err error
		stats.Out, err = pump(b, a, closeBoth)
		return err
	})
	g.Go(func() error {
		var err error
		stats.In, err = pump(a, b, closeBoth)
		return err
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return stats, err
}

// pump copies src to dst until EOF, then half-closes dst. If dst cannot be
// half-closed, or copying fails, abort is called.
func pump(dst, src portal.Stream, abort func()) (int64, error) {
	bp := buffers.Get().(*[]byte)
	defer buffers.Put(bp)

	n, err := io.CopyBuffer(dst, src, *bp)
	if err != nil {
		abort()
		return n, err
	}

	cw, ok := dst.(portal.CloseWriter)
	if !ok {
		abort()
		return n, nil
	}
	if err := cw.CloseWrite(); err != nil {
		abort()
		return n, err
	}
	return n, nil
}
