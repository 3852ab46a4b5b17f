// Package commandqueue runs delivered tool requests for one session on a
// single worker goroutine.
//
// Invariants:
// - Requests execute in submission order, one at a time.
// - The queue is bounded; a submission that does not fit is answered at once
//   with an error response instead of being dropped.
// - A request id seen within the dedup window is executed at most once.
// - Close drains what was already accepted; nothing in flight is cancelled.
//
// Usage:
//
//	q, err := commandqueue.New(commandqueue.Options{
//		Session:  code,
//		Executor: dispatcher,
//		Sink:     relayClient,
//	})
//	defer q.Close(context.Background())
//	_ = q.Submit(ctx, request)
package commandqueue
