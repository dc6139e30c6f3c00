package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware records request counts and latency per route. Routes served by
// the catch-all proxy have no gin template and are labelled "proxy" to keep
// the cardinality bounded.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "proxy"
		}
		method := c.Request.Method
		m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
