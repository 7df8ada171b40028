package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

const copyBufferSize = 32 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// CopyBidirectional relays bytes between left and right until either
// direction ends or ctx is done, then closes both. Errors from the side
// closed by CopyBidirectional itself are not reported.
func CopyBidirectional(ctx context.Context, left, right io.ReadWriteCloser) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return copyBuffer(left, right)
	})
	g.Go(func() error {
		defer closeBoth()
		return copyBuffer(right, left)
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

func copyBuffer(dst io.Writer, src io.Reader) error {
	bp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bp)

	_, err := io.CopyBuffer(dst, src, *bp)
	return err
}
