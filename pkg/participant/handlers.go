package participant

import (
	"crypto/md5"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/internal/telemetry"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/reader"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/samples"
	"github.com/ryandielhenn/zephyrrtps/pkg/writer"
)

// Handler serves the participant API with per-route request metrics.
func (p *Participant) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", p.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(p.Info)))
	mux.Handle("/endpoints", telemetry.Instrument("endpoints", http.HandlerFunc(p.Endpoints)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/topics/", func(w http.ResponseWriter, req *http.Request) {
		op := "topic_" + methodToOp(req.Method)
		telemetry.Instrument(op, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPut, http.MethodPost:
				p.Publish(w, r)
			case http.MethodGet:
				p.Received(w, r)
			case http.MethodDelete:
				p.DisposeInstance(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		})).ServeHTTP(w, req)
	})
	return mux
}

// Healthz returns 200 OK to indicate the participant is alive.
func (p *Participant) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON summary of the participant.
func (p *Participant) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID             int       `json:"pid"`
		Now             time.Time `json:"now"`
		GuidPrefix      string    `json:"guid_prefix"`
		Domain          uint32    `json:"domain"`
		Writers         int       `json:"writers"`
		Readers         int       `json:"readers"`
		RemoteEndpoints int       `json:"remote_endpoints"`
		Peers           int       `json:"peers"`
		Samples         int       `json:"samples"`
	}
	p.mu.RLock()
	r := resp{
		PID:             os.Getpid(),
		Now:             p.clock.Now(),
		GuidPrefix:      p.prefix.String(),
		Domain:          p.cfg.DomainID,
		Writers:         len(p.writers),
		Readers:         len(p.readers),
		RemoteEndpoints: len(p.remote),
	}
	p.mu.RUnlock()
	r.Peers = p.detector.Len()
	r.Samples = p.samples.Len()
	writeJSON(w, http.StatusOK, r)
}

// EndpointInfo is one local endpoint as /endpoints reports it.
type EndpointInfo struct {
	GUID     string        `json:"guid"`
	Role     string        `json:"role"`
	Topic    string        `json:"topic"`
	Stateful bool          `json:"stateful"`
	QoS      qos.Endpoint  `json:"qos"`
	CacheLen int           `json:"cache_len"`
	Matched  []string      `json:"matched"`
	Writer   *writer.Stats `json:"writer_stats,omitempty"`
	Reader   *reader.Stats `json:"reader_stats,omitempty"`
	// LastSequenceNumber is set for writers without stats of their own.
	LastSequenceNumber rtps.SequenceNumber `json:"last_sequence_number,omitempty"`
	Locators           []string            `json:"locators,omitempty"`
}

// Describe reports every local endpoint, writers first.
func (p *Participant) Describe() []EndpointInfo {
	p.mu.RLock()
	locals := append(sortedLocals(p.writers), sortedLocals(p.readers)...)
	p.mu.RUnlock()

	out := make([]EndpointInfo, 0, len(locals))
	for _, l := range locals {
		info := EndpointInfo{
			GUID:     l.guid().String(),
			Role:     "reader",
			Topic:    l.topic,
			Stateful: l.stateful,
			QoS:      l.qos(),
			Matched:  []string{},
		}
		for _, remote := range p.Matched(l.guid()) {
			info.Matched = append(info.Matched, remote.String())
		}
		switch ep := l.writer.(type) {
		case *writer.StatefulWriter:
			s := ep.Stats()
			info.Writer = &s
		case *writer.StatelessWriter:
			info.LastSequenceNumber = ep.LastSequenceNumber()
			for _, loc := range ep.ReaderLocators() {
				info.Locators = append(info.Locators, loc.String())
			}
		}
		if l.writer != nil {
			info.Role = "writer"
			info.CacheLen = l.writer.Cache().Len()
		} else {
			s := l.reader.Stats()
			info.Reader = &s
			info.CacheLen = s.CacheLen
		}
		out = append(out, info)
	}
	return out
}

func (p *Participant) Endpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.Describe())
}

// Publish writes the request body as a sample on every local writer of the
// topic. The optional key query parameter selects the instance.
func (p *Participant) Publish(w http.ResponseWriter, req *http.Request) {
	topic := req.URL.Path[len("/topics/"):]
	writers := p.WritersOf(topic)
	if len(writers) == 0 {
		http.Error(w, "no writer for topic", http.StatusNotFound)
		return
	}
	body := http.MaxBytesReader(w, req.Body, p.cfg.MaxPayload)
	data, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	type written struct {
		Writer string              `json:"writer"`
		Seq    rtps.SequenceNumber `json:"seq"`
	}
	handle := instanceHandle(req.URL.Query().Get("key"))
	var out []written
	for _, wr := range writers {
		c, err := wr.Write(req.Context(), handle, data)
		if err != nil {
			p.writeFailed(w, wr.GUID(), err)
			return
		}
		out = append(out, written{Writer: wr.GUID().String(), Seq: c.SequenceNumber})
	}
	writeJSON(w, http.StatusCreated, out)
}

// DisposeInstance disposes the instance named by the key query parameter.
func (p *Participant) DisposeInstance(w http.ResponseWriter, req *http.Request) {
	topic := req.URL.Path[len("/topics/"):]
	key := req.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	writers := p.WritersOf(topic)
	if len(writers) == 0 {
		http.Error(w, "no writer for topic", http.StatusNotFound)
		return
	}
	for _, wr := range writers {
		if _, err := wr.Dispose(req.Context(), instanceHandle(key)); err != nil {
			p.writeFailed(w, wr.GUID(), err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Received lists the samples local readers delivered on the topic, newest
// first, up to the limit query parameter.
func (p *Participant) Received(w http.ResponseWriter, req *http.Request) {
	topic := req.URL.Path[len("/topics/"):]
	limit := 0
	if s := req.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list := p.samples.List(topic, limit)
	if list == nil {
		list = []samples.Sample{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (p *Participant) writeFailed(w http.ResponseWriter, guid rtps.Guid, err error) {
	p.logger.Warn("write failed", zap.Stringer("writer", guid), zap.Error(err))
	if errors.Is(err, rtps.ErrResourceExhausted) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// instanceHandle derives the key hash of a keyed sample. The empty key maps
// to the nil handle.
func instanceHandle(key string) rtps.InstanceHandle {
	if key == "" {
		return rtps.InstanceHandleNil
	}
	return rtps.InstanceHandle(md5.Sum([]byte(key)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}
