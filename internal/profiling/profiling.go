// Package profiling mounts the pprof endpoints on a gin route group.
package profiling

import (
	"net/http/pprof"

	"github.com/gin-gonic/gin"

	"github.com/exnus/points-miner/internal/util"
)

// Profiles served through pprof.Handler, in addition to the dedicated handlers
var Profiles = []string{"goroutine", "heap", "allocs", "threadcreate", "block", "mutex"}

// Register adds /debug/pprof/* under r. Callers are expected to put r behind admin auth.
func Register(r gin.IRoutes) {
	r.GET("/debug/pprof/", gin.WrapF(pprof.Index))
	r.GET("/debug/pprof/cmdline", gin.WrapF(pprof.Cmdline))
	r.GET("/debug/pprof/profile", gin.WrapF(pprof.Profile))
	r.GET("/debug/pprof/symbol", gin.WrapF(pprof.Symbol))
	r.POST("/debug/pprof/symbol", gin.WrapF(pprof.Symbol))
	r.GET("/debug/pprof/trace", gin.WrapF(pprof.Trace))
	for _, name := range Profiles {
		r.GET("/debug/pprof/"+name, gin.WrapH(pprof.Handler(name)))
	}

	util.Info("pprof endpoints enabled:")
	util.Info("  /debug/pprof/          - Index")
	util.Info("  /debug/pprof/goroutine - Goroutine stack traces")
	util.Info("  /debug/pprof/heap      - Heap profile")
	util.Info("  /debug/pprof/profile   - CPU profile (30s)")
	util.Info("  /debug/pprof/trace     - Execution trace")
}
