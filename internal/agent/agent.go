// Package agent defines the conversational runtime the gateway hands
// known-user messages to. The runtime itself lives outside this service;
// the gateway only bounds it with a deadline.
package agent

import (
	"context"
	"time"
)

// Runtime produces a reply for one inbound message from a known user.
type Runtime interface {
	Handle(ctx context.Context, userID int64, text string) (string, error)
}

// DefaultDeadline bounds one runtime call.
const DefaultDeadline = 25 * time.Second

// Bounded wraps a runtime with a per-call deadline. The in-flight call is
// abandoned on expiry; the caller sends a fallback reply.
type Bounded struct {
	inner    Runtime
	deadline time.Duration
}

// Bound wraps rt with a deadline; d <= 0 uses the default.
func Bound(rt Runtime, d time.Duration) *Bounded {
	if d <= 0 {
		d = DefaultDeadline
	}
	return &Bounded{inner: rt, deadline: d}
}

func (b *Bounded) Handle(ctx context.Context, userID int64, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.deadline)
	defer cancel()

	type result struct {
		reply string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		reply, err := b.inner.Handle(ctx, userID, text)
		ch <- result{reply, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.reply, res.err
	}
}
