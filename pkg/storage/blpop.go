package storage

import (
	"context"
	"fmt"
	"time"
)

// popSlice bounds a single BLPOP so a cancelled ctx is noticed between
// calls. The server has no way to learn that a client gave up on a
// blocked BLPOP.
const popSlice = time.Second

// blpopFunc runs one BLPOP for at most wait. A nil reply means nothing
// arrived in time.
type blpopFunc func(ctx context.Context, wait time.Duration) ([]string, error)

// slicedPop repeats blpop until an element arrives, ctx ends, or a positive
// timeout elapses. A zero timeout never yields ok=false.
func slicedPop(ctx context.Context, timeout time.Duration, blpop blpopFunc) (string, bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		wait := popSlice
		if timeout > 0 {
			left := time.Until(deadline)
			if left <= 0 {
				return "", false, nil
			}
			if left < wait {
				wait = left
			}
		}
		res, err := blpop(ctx, wait)
		if err != nil {
			if ctx.Err() != nil {
				return "", false, ctx.Err()
			}
			return "", false, err
		}
		if res == nil {
			continue
		}
		// reply is [key, element]
		if len(res) != 2 {
			return "", false, fmt.Errorf("unexpected BLPOP reply of %d elements", len(res))
		}
		return res[1], true, nil
	}
}
