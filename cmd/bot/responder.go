package main

import (
	"context"

	"harkbot/internal/dispatch"
	logx "harkbot/pkg/logx"
)

// dryResponder inspects every payload and answers nothing. It exists so
// the daemon can run end to end (ingestion, dedup, debounce, batching,
// retention) without a content-producing backend attached.
type dryResponder struct {
	log logx.Logger
}

func (r dryResponder) RespondSingle(_ context.Context, d dispatch.SingleDispatch) (dispatch.Result, error) {
	r.log.Info("dry-run single dispatch",
		logx.String("uri", d.URI),
		logx.String("reason", d.Reason),
		logx.String("author", d.Author.Handle),
		logx.Int("thread_posts", len(d.ThreadContext)))
	return dispatch.Result{Kind: dispatch.ResultNoReply}, nil
}

func (r dryResponder) RespondBatch(_ context.Context, d dispatch.BatchDispatch) (dispatch.Result, error) {
	r.log.Info("dry-run batch dispatch",
		logx.String("root", d.RootURI),
		logx.Int("notifications", d.NotificationCount),
		logx.Int("posts", len(d.ThreadContext)))
	return dispatch.Result{Kind: dispatch.ResultNoReply}, nil
}
