// Package mdns implements a protocol-agnostic mDNS service browser: it
// sends periodic PTR queries for a fixed set of service types over
// 224.0.0.251:5353 and normalizes the PTR/SRV/TXT/A/AAAA responses it
// receives into ServiceInstance values for the Discovery Manager.
package mdns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

const (
	mdnsAddr = "224.0.0.251:5353"

	// readBufferSize is generous for mDNS, whose responses are typically
	// well under 1500 bytes but can carry several TXT records.
	readBufferSize = 8192

	// callbackQueueSize/callbackWorkerCount bound the goroutines processing
	// parsed service instances, the same bounded-worker-pool shape the
	// knxd client uses for its telegram callback queue.
	callbackQueueSize   = 64
	callbackWorkerCount = 2
)

// ServiceInstance is one normalized mDNS announcement.
type ServiceInstance struct {
	ServiceType string
	Name        string
	Host        string
	Port        uint16
	Addrs       []net.IP
	TXT         map[string]string
}

// Stats holds atomic browser counters, mirroring the knxd client's
// KNXDStats shape.
type Stats struct {
	QueriesSent   uint64
	ResponsesRx   uint64
	ParseErrors   uint64
}

// Browser queries a fixed list of service types and delivers parsed
// instances to a callback, running one receive goroutine and a bounded
// callback worker pool so a slow callback cannot stall the receive path.
type Browser struct {
	serviceTypes []string
	conn         *net.UDPConn

	onInstance func(ServiceInstance)
	callbackMu sync.RWMutex

	callbackQueue chan ServiceInstance

	done chan struct{}
	wg   sync.WaitGroup

	queriesSent atomic.Uint64
	responsesRx atomic.Uint64
	parseErrors atomic.Uint64
}

// New creates a Browser for the given service types (e.g. "_esphomelib._tcp.local.",
// "_hue._tcp.local."). It does not start listening until Start is called.
func New(serviceTypes []string) *Browser {
	return &Browser{
		serviceTypes:  serviceTypes,
		callbackQueue: make(chan ServiceInstance, callbackQueueSize),
		done:          make(chan struct{}),
	}
}

// SetOnInstance sets the callback invoked for every parsed service
// instance. It must be called before Start.
func (b *Browser) SetOnInstance(cb func(ServiceInstance)) {
	b.callbackMu.Lock()
	b.onInstance = cb
	b.callbackMu.Unlock()
}

// Start joins the mDNS multicast group, begins the receive loop, and
// issues an initial round of PTR queries. queryInterval controls how
// often queries are re-sent to catch devices that join after startup.
func (b *Browser) Start(ctx context.Context, queryInterval time.Duration) error {
	addr, err := net.ResolveUDPAddr("udp4", mdnsAddr)
	if err != nil {
		return fmt.Errorf("mdns: resolve multicast addr: %w", err)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("mdns: listen multicast: %w", err)
	}
	conn.SetReadBuffer(readBufferSize)
	b.conn = conn

	for range callbackWorkerCount {
		b.wg.Add(1)
		go b.callbackWorker()
	}

	b.wg.Add(1)
	go b.receiveLoop()

	b.wg.Add(1)
	go b.queryLoop(ctx, queryInterval)

	return nil
}

// Close stops all browser goroutines and releases the multicast socket.
// It is idempotent.
func (b *Browser) Close() error {
	select {
	case <-b.done:
		return nil
	default:
		close(b.done)
	}
	if b.conn != nil {
		b.conn.Close()
	}
	b.wg.Wait()
	return nil
}

func (b *Browser) queryLoop(ctx context.Context, interval time.Duration) {
	defer b.wg.Done()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	b.sendQueries()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sendQueries()
		}
	}
}

func (b *Browser) sendQueries() {
	if b.conn == nil {
		return
	}
	addr, err := net.ResolveUDPAddr("udp4", mdnsAddr)
	if err != nil {
		return
	}

	for _, svc := range b.serviceTypes {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(svc), dns.TypePTR)
		msg.RecursionDesired = false

		packed, err := msg.Pack()
		if err != nil {
			continue
		}
		if _, err := b.conn.WriteToUDP(packed, addr); err != nil {
			continue
		}
		b.queriesSent.Add(1)
	}
}

func (b *Browser) receiveLoop() {
	defer b.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-b.done:
			return
		default:
		}

		b.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-b.done:
				return
			default:
				b.parseErrors.Add(1)
				continue
			}
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			b.parseErrors.Add(1)
			continue
		}
		b.responsesRx.Add(1)

		for _, instance := range normalizeResponse(msg) {
			select {
			case b.callbackQueue <- instance:
			default:
				b.parseErrors.Add(1)
			}
		}
	}
}

func (b *Browser) callbackWorker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case instance := <-b.callbackQueue:
			b.callbackMu.RLock()
			cb := b.onInstance
			b.callbackMu.RUnlock()
			if cb != nil {
				func() {
					defer func() { recover() }()
					cb(instance)
				}()
			}
		}
	}
}

// normalizeResponse extracts one ServiceInstance per PTR record in msg,
// correlating SRV/TXT/A/AAAA records present in the same message's answer
// and additional sections (the usual mDNS "everything in one packet"
// shape for well-behaved responders).
func normalizeResponse(msg *dns.Msg) []ServiceInstance {
	all := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)

	var ptrNames []struct{ serviceType, name string }
	srvByName := map[string]*dns.SRV{}
	txtByName := map[string]map[string]string{}
	addrsByHost := map[string][]net.IP{}

	for _, rr := range all {
		switch rec := rr.(type) {
		case *dns.PTR:
			ptrNames = append(ptrNames, struct{ serviceType, name string }{rec.Hdr.Name, rec.Ptr})
		case *dns.SRV:
			srvByName[rec.Hdr.Name] = rec
		case *dns.TXT:
			kv := map[string]string{}
			for _, entry := range rec.Txt {
				key, value, found := strings.Cut(entry, "=")
				if found {
					kv[key] = value
				} else {
					kv[entry] = ""
				}
			}
			txtByName[rec.Hdr.Name] = kv
		case *dns.A:
			addrsByHost[rec.Hdr.Name] = append(addrsByHost[rec.Hdr.Name], rec.A)
		case *dns.AAAA:
			addrsByHost[rec.Hdr.Name] = append(addrsByHost[rec.Hdr.Name], rec.AAAA)
		}
	}

	var out []ServiceInstance
	for _, p := range ptrNames {
		inst := ServiceInstance{
			ServiceType: p.serviceType,
			Name:        p.name,
			TXT:         txtByName[p.name],
		}
		if srv, ok := srvByName[p.name]; ok {
			inst.Host = srv.Target
			inst.Port = srv.Port
			inst.Addrs = addrsByHost[srv.Target]
		}
		out = append(out, inst)
	}
	return out
}

// Stats returns current operational counters.
func (b *Browser) Stats() Stats {
	return Stats{
		QueriesSent: b.queriesSent.Load(),
		ResponsesRx: b.responsesRx.Load(),
		ParseErrors: b.parseErrors.Load(),
	}
}
