package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "wiseflow",
	Subsystem: "engine",
	Name:      "tasks_submitted_total",
	Help:      "Tasks submitted to the worker pool.",
})

var tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wiseflow",
	Subsystem: "engine",
	Name:      "tasks_finished_total",
	Help:      "Tasks settled into a terminal status.",
}, []string{"status"})

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "wiseflow",
	Subsystem: "engine",
	Name:      "queue_depth",
	Help:      "Tasks waiting in the priority queue.",
})

var activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "wiseflow",
	Subsystem: "engine",
	Name:      "active_workers",
	Help:      "Workers currently executing a task.",
})

var workerTarget = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "wiseflow",
	Subsystem: "engine",
	Name:      "worker_target",
	Help:      "Resource-derived worker count target.",
})
