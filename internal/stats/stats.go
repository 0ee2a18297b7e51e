package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	NumActiveConnections = "NumActiveConnections"
	NumActiveScopes      = "NumActiveScopes"
	BusEventsReceived    = "BusEventsReceived"
	BusEventsDelivered   = "BusEventsDelivered"
	BusEventsDropped     = "BusEventsDropped"
	BusPublishFailures   = "BusPublishFailures"
	ClientEventsDropped  = "ClientEventsDropped"
	AuthFailures         = "AuthFailures"

	InternalEventsAccepted = "InternalEventsAccepted"
	HTTPPanicsRecovered    = "HTTPPanicsRecovered"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	Add(name string, delta int)
	RegisterMetric(name string)
	RegisterFunc(name string, fn func() any)
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	done       chan struct{}
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater instance and serves its
// variables on GET /debug/vars.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan *metricsUpdateReq, 512),
		done:       make(chan struct{}),
	}
	if mux != nil {
		mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	}
	if expvar.Get("gateway-stats") == nil {
		expvar.Publish("gateway-stats", su.vars)
	}
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	for _, name := range []string{
		NumActiveConnections,
		BusEventsReceived,
		BusEventsDelivered,
		BusEventsDropped,
		BusPublishFailures,
		ClientEventsDropped,
		AuthFailures,
		InternalEventsAccepted,
		HTTPPanicsRecovered,
	} {
		su.RegisterMetric(name)
	}
}

func (su *StatsUpdater) updateMetrics() {
	for {
		select {
		case req := <-su.updateChan:
			if metric, ok := su.vars.Get(req.name).(*expvar.Int); ok {
				metric.Add(int64(req.value))
			}
		case <-su.done:
			return
		}
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.Add(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.Add(name, -1)
}

// Add queues a metric update. Updates are dropped once the updater is
// stopped or when the queue is full.
func (su *StatsUpdater) Add(name string, delta int) {
	select {
	case <-su.done:
	case su.updateChan <- &metricsUpdateReq{name: name, value: delta}:
	default:
	}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

// RegisterFunc exposes a gauge computed on read.
func (su *StatsUpdater) RegisterFunc(name string, fn func() any) {
	su.vars.Set(name, expvar.Func(fn))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() {
		close(su.done)
	})
}
