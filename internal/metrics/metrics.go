// Package metrics 定义下载服务的 Prometheus 指标。所有方法对 nil 接收者安全，
// 便于测试或裁剪场景直接传 nil。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 物化结果标签。
const (
	MaterializeSuccess   = "success"
	MaterializeFailed    = "failed"
	MaterializeContended = "contended"
)

// Recorder 持有一组绑定到同一 Registry 的计数器。
type Recorder struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	cacheResults     *prometheus.CounterVec
	materializations *prometheus.CounterVec
	originStalls     prometheus.Counter
}

// New 创建独立 Registry 并注册全部指标，同时附带 Go 运行时与进程指标。
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anystream_requests_total",
			Help: "Download requests by classification",
		}, []string{"kind"}), // kind: direct/identifier/invalid
		cacheResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anystream_cache_results_total",
			Help: "Identifier requests served from disk (hit) or origin (miss)",
		}, []string{"result"}),
		materializations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anystream_materializations_total",
			Help: "Background cache materialization attempts by outcome",
		}, []string{"result"}),
		originStalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "anystream_origin_stalls_total",
			Help: "Origin fetches abandoned because the client stopped reading",
		}),
	}
}

// ObserveRequest 记录一次请求分类。
func (r *Recorder) ObserveRequest(kind string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(kind).Inc()
}

// ObserveCache 记录标识符请求的命中情况。
func (r *Recorder) ObserveCache(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheResults.WithLabelValues(result).Inc()
}

// ObserveMaterialization 记录一次物化结果。
func (r *Recorder) ObserveMaterialization(result string) {
	if r == nil {
		return
	}
	r.materializations.WithLabelValues(result).Inc()
}

// ObserveStall 记录一次消费者停滞导致的回源中止。
func (r *Recorder) ObserveStall() {
	if r == nil {
		return
	}
	r.originStalls.Inc()
}

// Handler 返回 Prometheus 文本格式的 http.Handler。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
