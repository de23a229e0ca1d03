package netswitch

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/miekg/dns"
)

// DNSServer answers guest queries on the uplink with addresses from the
// lookup callback, which is consulted on every query.
type DNSServer struct {
	log    *slog.Logger
	server *dns.Server
	lookup func(name string) (net.IP, bool)
}

// NewDNSServer builds a responder bound to the given packet socket.
func NewDNSServer(logger *slog.Logger, lookup func(name string) (net.IP, bool), conn net.PacketConn) *DNSServer {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &DNSServer{log: logger, lookup: lookup}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handle)
	srv.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: conn,
	}
	return srv
}

// Start serves in the background until Stop.
func (s *DNSServer) Start() {
	go func() {
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("netswitch: dns server exited", "err", err)
		}
	}()
}

// Stop shuts the responder down.
func (s *DNSServer) Stop() error {
	return s.server.Shutdown()
}

func (s *DNSServer) handle(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetReply(req)

	for _, q := range req.Question {
		if q.Qtype != dns.TypeA || q.Qclass != dns.ClassINET {
			continue
		}
		ip, ok := s.lookup(q.Name)
		if !ok {
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A %s", q.Name, ip))
		if err != nil {
			s.log.Error("netswitch: dns rr", "name", q.Name, "err", err)
			continue
		}
		resp.Answer = append(resp.Answer, rr)
	}
	if len(resp.Answer) == 0 {
		resp.SetRcode(req, dns.RcodeNameError)
	}

	_ = w.WriteMsg(resp)
	_ = w.Close()
}
