// health-fasthttp is a standalone liveness probe for autochat
// deployments: a fasthttp endpoint reporting build metadata and uptime,
// cheap enough to sit behind aggressive load-balancer check intervals.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

type health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Commit   string `json:"commit,omitempty"`
	UptimeMS int64  `json:"uptime_ms"`
}

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	ver := flag.String("version", "dev", "version string to report")
	commit := flag.String("commit", "", "commit hash to report")
	flag.Parse()

	started := time.Now()
	h := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/health", "/healthz":
			ctx.Response.Header.Set("Content-Type", "application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			body, _ := json.Marshal(health{
				Status:   "ok",
				Version:  *ver,
				Commit:   *commit,
				UptimeMS: time.Since(started).Milliseconds(),
			})
			_, _ = ctx.Write(body)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	fmt.Printf("health probe listening on %s\n", *addr)
	srv := &fasthttp.Server{
		Handler:            h,
		Name:               "autochat-health",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxRequestBodySize: 1 << 16,
	}
	if err := srv.ListenAndServe(*addr); err != nil {
		fmt.Printf("health probe exit: %v\n", err)
	}
}
