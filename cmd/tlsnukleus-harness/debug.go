package main

import (
	"context"
	_ "net/http/pprof"

	"net/http"

	"github.com/account-login/ctxlog"
)

func startDebugServer(ctx context.Context, addr string) *http.Server {
	server := &http.Server{Addr: addr}
	go func() {
		if err := server.ListenAndServe(); err != nil {
			ctxlog.Errorf(ctx, "debug server: %v", err)
		}
	}()
	return server
}
