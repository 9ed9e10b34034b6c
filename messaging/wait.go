package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/weisyn/wallet-extension-go/types"
)

// WaitFor 布置等待并阻塞直到匹配消息到达
//
// timeout 为 0 时无限等待（直到 ctx 结束）；超时返回 types.ErrTimeout。
// 请求-响应场景应使用 Request，保证等待在发送前布置。
func WaitFor(ctx context.Context, bus Bus, typ string, pred Predicate, timeout time.Duration) (Message, error) {
	w := bus.Wait(typ, pred)
	return await(ctx, w, timeout)
}

// Request 先布置对 respType 的等待，再发送 msg，然后等待响应
func Request(ctx context.Context, bus Bus, msg Message, respType string, pred Predicate, timeout time.Duration) (Message, error) {
	w := bus.Wait(respType, pred)
	if err := bus.Send(ctx, msg); err != nil {
		w.Cancel()
		return Message{}, err
	}
	return await(ctx, w, timeout)
}

func await(ctx context.Context, w *Waiter, timeout time.Duration) (Message, error) {
	defer w.Cancel()

	waitCtx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	msg, err := w.Result(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return Message{}, types.Errorf(types.ErrTimeout, "waiting for %s after %s", w.Type(), timeout)
	}
	return msg, err
}

// Race 等待多个等待者中最先完成的一个，返回其下标和结果
//
// 其余等待者被显式取消，不会在之后产生任何效果。
// 全部未完成时超时返回 types.ErrTimeout（timeout 为 0 时只受 ctx 约束）。
func Race(ctx context.Context, timeout time.Duration, waiters ...*Waiter) (int, Message, error) {
	cancelAll := func(except int) {
		for i, w := range waiters {
			if i != except {
				w.Cancel()
			}
		}
	}
	if len(waiters) == 0 {
		return -1, Message{}, errors.New("race requires at least one waiter")
	}

	raceCtx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	winner := make(chan int, len(waiters))
	for i, w := range waiters {
		go func(i int, w *Waiter) {
			select {
			case <-w.Done():
				winner <- i
			case <-raceCtx.Done():
			}
		}(i, w)
	}

	select {
	case i := <-winner:
		cancelAll(i)
		msg, err := waiters[i].Result(context.Background())
		return i, msg, err
	case <-raceCtx.Done():
		cancelAll(-1)
		if ctx.Err() != nil {
			return -1, Message{}, ctx.Err()
		}
		return -1, Message{}, types.Errorf(types.ErrTimeout, "no response after %s", timeout)
	}
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
