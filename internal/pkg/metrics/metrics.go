// Package metrics 定义服务暴露的 Prometheus 指标。
//
// 指标在包初始化时创建，InitMetrics 负责注册到默认 Registry（只执行一次），
// 因此测试中未注册时也可以安全调用。
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "imggen"

var (
	// HTTPRequestsTotal HTTP 请求总数。
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration HTTP 请求耗时。
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// LoginAttemptsTotal 登录尝试，kind 为 user / admin。
	LoginAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_attempts_total",
		Help:      "Login attempts by account kind and result.",
	}, []string{"kind", "result"})

	// AuthRejectionsTotal 鉴权中间件拒绝的请求。
	AuthRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_rejections_total",
		Help:      "Requests rejected by auth middleware, by guard and reason.",
	}, []string{"guard", "reason"})

	// CORSDeniedTotal 未通过 CORS 策略的请求。
	CORSDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cors_denied_total",
		Help:      "Cross-origin requests denied by the origin policy.",
	}, []string{"reason"})

	// RateLimitedTotal 被限流的请求。
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter, by scope.",
	}, []string{"scope"})

	// RateLimitErrorsTotal 限流器后端错误（放行）。
	RateLimitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_errors_total",
		Help:      "Rate limiter backend errors; requests were allowed through.",
	})

	// ImageGenerationsTotal 图片生成调用，caller 为 user / anonymous。
	ImageGenerationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "image_generations_total",
		Help:      "Image generation calls by caller type and result.",
	}, []string{"caller", "result"})

	// BackgroundJobsTotal 后台任务执行结果。
	BackgroundJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "background_jobs_total",
		Help:      "Background jobs by result (succeeded, failed, dropped, panic).",
	}, []string{"result"})

	// BackgroundQueueDepth 后台队列中待处理任务数。
	BackgroundQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "background_queue_depth",
		Help:      "Pending jobs in the background queue.",
	})

	// BackgroundWorkers 后台 worker 数量。
	BackgroundWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "background_workers",
		Help:      "Configured background worker count.",
	})
)

var initOnce sync.Once

// InitMetrics 注册全部指标。
func InitMetrics(workers int) {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			LoginAttemptsTotal,
			AuthRejectionsTotal,
			CORSDeniedTotal,
			RateLimitedTotal,
			RateLimitErrorsTotal,
			ImageGenerationsTotal,
			BackgroundJobsTotal,
			BackgroundQueueDepth,
			BackgroundWorkers,
		)
	})
	BackgroundWorkers.Set(float64(workers))
}
