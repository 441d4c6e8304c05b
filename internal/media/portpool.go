package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// PortPool hands out bound UDP sockets for per-call RTP, walking an
// even-port range. The odd companion port is bound and held alongside each
// allocation so the pair stays reserved for RTCP even though the bridge
// itself only speaks RTP.
type PortPool struct {
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{} // allocated even RTP ports
	nextPort  int
}

// Socket is an allocated RTP socket and its reserved RTCP companion.
type Socket struct {
	Port     int
	RTPConn  *net.UDPConn
	rtcpConn *net.UDPConn
}

// Close releases both sockets.
func (s *Socket) Close() error {
	var rtpErr error
	if s.RTPConn != nil {
		rtpErr = s.RTPConn.Close()
	}
	if s.rtcpConn != nil {
		s.rtcpConn.Close()
	}
	return rtpErr
}

// NewPortPool creates a pool over [portMin, portMax]. portMin must be even.
func NewPortPool(portMin, portMax int, logger *slog.Logger) (*PortPool, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}

	l := logger.With("subsystem", "rtp-ports")
	l.Info("rtp port pool initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", (portMax-portMin+1)/2,
	)

	return &PortPool{
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}, nil
}

// Allocate binds and returns the next free even/odd port pair. Ports the
// OS refuses (already bound by another process) are skipped.
func (p *PortPool) Allocate() (*Socket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := (p.portMax - p.portMin + 1) / 2
	for tries := 0; tries < capacity; tries++ {
		port := p.nextPort
		p.nextPort += 2
		if p.nextPort > p.portMax {
			p.nextPort = p.portMin
		}
		if _, taken := p.allocated[port]; taken {
			continue
		}

		rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port + 1})
		if err != nil {
			rtpConn.Close()
			continue
		}

		p.allocated[port] = struct{}{}
		p.logger.Debug("rtp port allocated", "port", port)
		return &Socket{Port: port, RTPConn: rtpConn, rtcpConn: rtcpConn}, nil
	}

	return nil, fmt.Errorf("no free rtp ports in range %d-%d", p.portMin, p.portMax)
}

// Release closes a socket and returns its port to the pool.
func (p *PortPool) Release(s *Socket) {
	if s == nil {
		return
	}
	s.Close()

	p.mu.Lock()
	delete(p.allocated, s.Port)
	p.mu.Unlock()

	p.logger.Debug("rtp port released", "port", s.Port)
}

// InUse returns the number of allocated port pairs.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
