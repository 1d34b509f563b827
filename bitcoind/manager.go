// Package bitcoind maintains a small pool of JSON-RPC connections to a
// Bitcoin daemon and multiplexes requests across them. Correlation is
// by message id; responses are delivered at most once, in whatever
// order the daemon answers.
package bitcoind

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shruggr/headsync/rpc"
)

// NClients is the default number of concurrent RPC connections
const NClients = 3

// rpcInWarmUp is bitcoind's error code while it is starting up
const rpcInWarmUp = -28

const requestTimeout = 60 * time.Second

// defaultProbeInterval is how long a worker sits idle before probing
// the daemon on its own
const defaultProbeInterval = 5 * time.Second

// Poster is a serial execution context a callback can be delivered to.
// Post returns false if the context has been stopped, in which case the
// callback is dropped.
type Poster interface {
	Post(fn func()) bool
}

// Config holds configuration for the daemon pool
type Config struct {
	URL      string // e.g. http://127.0.0.1:8332
	User     string
	Pass     string
	NClients int // default NClients
	Logger   *slog.Logger

	// ProbeInterval between idle connectivity probes; default 5s
	ProbeInterval time.Duration

	// HTTPClient overrides the default client (tests)
	HTTPClient *http.Client
}

type pendingReq struct {
	origin    Poster
	probe     bool
	id        rpc.MsgID
	method    string
	params    []any
	onResult  func(*rpc.Response)
	onError   func(*rpc.Response)
	onFailure func(rpc.MsgID, string)
}

// Manager is the connection pool. Exactly one of the three submit
// callbacks fires per request, posted to the submitter's context.
type Manager struct {
	log           *slog.Logger
	url           string
	user          string
	pass          string
	nClients      int
	client        *http.Client
	probeInterval time.Duration

	reqCh chan *pendingReq
	stop  chan struct{}
	wg    sync.WaitGroup

	mu          sync.Mutex
	goodClients map[uint64]bool
	onFirstGood func(connID uint64)
	onAllLost   func()
	onWarmUp    func(msg string)

	probeSeq  atomic.Int64
	nSent     atomic.Uint64
	nReceived atomic.Uint64
	nErrors   atomic.Uint64
}

// New creates a manager for the daemon at config.URL
func New(config *Config) (*Manager, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := config.NClients
	if n <= 0 {
		n = NClients
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	probe := config.ProbeInterval
	if probe <= 0 {
		probe = defaultProbeInterval
	}

	return &Manager{
		log:           logger,
		url:           config.URL,
		user:          config.User,
		pass:          config.Pass,
		nClients:      n,
		client:        client,
		probeInterval: probe,
		reqCh:         make(chan *pendingReq, n*4),
		stop:          make(chan struct{}),
		goodClients:   make(map[uint64]bool),
	}, nil
}

// NumClients returns the size of the connection pool
func (m *Manager) NumClients() int { return m.nClients }

// OnFirstGoodConnection registers the handler fired when the pool goes
// from zero good connections to one. If a good connection already
// exists the handler fires immediately, so registration order relative
// to Startup does not matter. The handler runs on a pool goroutine;
// register a posting wrapper if serialization is needed.
func (m *Manager) OnFirstGoodConnection(fn func(connID uint64)) {
	m.mu.Lock()
	m.onFirstGood = fn
	var replay uint64
	haveGood := false
	for connID := range m.goodClients {
		replay = connID
		haveGood = true
		break
	}
	m.mu.Unlock()

	if haveGood {
		go fn(replay)
	}
}

// OnAllConnectionsLost registers the handler fired when the last good
// connection is lost
func (m *Manager) OnAllConnectionsLost(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAllLost = fn
}

// OnInWarmUp registers the handler fired when the daemon reports it is
// still warming up
func (m *Manager) OnInWarmUp(fn func(msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWarmUp = fn
}

// Startup launches the pool workers. Each worker probes the daemon
// immediately and again whenever it has been idle for the probe
// interval, so connectivity state is discovered and the lifecycle
// events fire even when no caller traffic is flowing.
func (m *Manager) Startup() {
	for i := 0; i < m.nClients; i++ {
		m.wg.Add(1)
		go m.worker(uint64(i + 1))
	}
	m.log.Info("Bitcoind pool started", "url", m.url, "clients", m.nClients)
}

// Cleanup stops the pool. Queued requests are failed.
func (m *Manager) Cleanup() {
	close(m.stop)
	m.wg.Wait()

	for {
		select {
		case req := <-m.reqCh:
			m.deliverFailure(req, "bitcoind manager stopped")
		default:
			return
		}
	}
}

// SubmitRequest enqueues a JSON-RPC request. It returns promptly;
// exactly one of onResult, onError, onFailure is later posted to
// origin. A nil origin delivers callbacks inline (tests only).
func (m *Manager) SubmitRequest(origin Poster, id rpc.MsgID, method string, params []any,
	onResult func(*rpc.Response), onError func(*rpc.Response), onFailure func(rpc.MsgID, string)) {

	req := &pendingReq{
		origin:    origin,
		id:        id,
		method:    method,
		params:    params,
		onResult:  onResult,
		onError:   onError,
		onFailure: onFailure,
	}

	select {
	case m.reqCh <- req:
	case <-m.stop:
		m.deliverFailure(req, "bitcoind manager stopped")
	}
}

func (m *Manager) worker(connID uint64) {
	defer m.wg.Done()
	m.probe(connID)
	idle := time.NewTimer(m.probeInterval)
	defer idle.Stop()
	for {
		select {
		case <-m.stop:
			return
		case req := <-m.reqCh:
			m.doRequest(connID, req)
		case <-idle.C:
			m.probe(connID)
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(m.probeInterval)
	}
}

// probe issues a lightweight request of its own so markUp, markDown and
// the warm-up signal keep tracking the daemon between caller requests.
// The result is discarded.
func (m *Manager) probe(connID uint64) {
	m.doRequest(connID, &pendingReq{
		probe:     true,
		id:        rpc.NewIntID(-m.probeSeq.Add(1)),
		method:    "getblockcount",
		onResult:  func(*rpc.Response) {},
		onError:   func(*rpc.Response) {},
		onFailure: func(rpc.MsgID, string) {},
	})
}

func (m *Manager) doRequest(connID uint64, req *pendingReq) {
	m.nSent.Add(1)

	body, err := json.Marshal(rpc.NewRequest(req.id, req.method, req.params))
	if err != nil {
		m.nErrors.Add(1)
		m.deliverFailure(req, fmt.Sprintf("failed to encode request: %v", err))
		return
	}

	httpReq, err := http.NewRequest(http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		m.nErrors.Add(1)
		m.deliverFailure(req, fmt.Sprintf("failed to build request: %v", err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.user != "" {
		httpReq.SetBasicAuth(m.user, m.pass)
	}

	httpResp, err := m.client.Do(httpReq)
	if err != nil {
		m.nErrors.Add(1)
		m.markDown(connID)
		m.deliverFailure(req, fmt.Sprintf("connection failed: %v", err))
		return
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		m.nErrors.Add(1)
		m.markDown(connID)
		m.deliverFailure(req, fmt.Sprintf("failed to read response: %v", err))
		return
	}

	var resp rpc.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		m.nErrors.Add(1)
		m.deliverFailure(req, fmt.Sprintf("failed to decode response: %v", err))
		return
	}
	resp.Method = req.method
	m.nReceived.Add(1)

	if resp.ID.Cmp(req.id) != 0 {
		m.nErrors.Add(1)
		m.deliverFailure(req, fmt.Sprintf("response id %s does not match request id %s", resp.ID, req.id))
		return
	}

	if resp.IsError() {
		m.nErrors.Add(1)
		if resp.Err.Code == rpcInWarmUp {
			m.fireWarmUp(resp.Err.Message)
		} else {
			// an error response still proves the daemon is up
			m.markUp(connID)
		}
		m.deliver(req, func() { req.onError(&resp) })
		return
	}

	m.markUp(connID)
	m.deliver(req, func() { req.onResult(&resp) })
}

func (m *Manager) deliver(req *pendingReq, fn func()) {
	if req.origin == nil {
		fn()
		return
	}
	if !req.origin.Post(fn) {
		m.log.Debug("Dropping response for stopped origin", "method", req.method, "id", req.id.String())
	}
}

func (m *Manager) deliverFailure(req *pendingReq, msg string) {
	if req.probe {
		// probes fail continuously while the daemon is down
		m.log.Debug("Probe failed", "reason", msg)
	} else {
		m.log.Warn("Request failed", "method", req.method, "id", req.id.String(), "reason", msg)
	}
	m.deliver(req, func() { req.onFailure(req.id, msg) })
}

func (m *Manager) markUp(connID uint64) {
	m.mu.Lock()
	wasEmpty := len(m.goodClients) == 0
	m.goodClients[connID] = true
	fn := m.onFirstGood
	m.mu.Unlock()

	if wasEmpty && fn != nil {
		fn(connID)
	}
}

func (m *Manager) markDown(connID uint64) {
	m.mu.Lock()
	had := len(m.goodClients) > 0
	delete(m.goodClients, connID)
	nowEmpty := len(m.goodClients) == 0
	fn := m.onAllLost
	m.mu.Unlock()

	if had && nowEmpty && fn != nil {
		fn()
	}
}

func (m *Manager) fireWarmUp(msg string) {
	m.mu.Lock()
	fn := m.onWarmUp
	m.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// Stats returns a point-in-time snapshot for the stats endpoint
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	good := len(m.goodClients)
	m.mu.Unlock()

	return map[string]any{
		"url":              m.url,
		"clients":          m.nClients,
		"good_connections": good,
		"requests_sent":    m.nSent.Load(),
		"responses":        m.nReceived.Load(),
		"errors":           m.nErrors.Load(),
	}
}
