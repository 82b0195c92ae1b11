// Package discovery implements the device-side half of the UDP
// broadcast handshake described at interface level in spec.md §6 and
// recovered in full from original_source/src/network.cpp: the desktop
// broadcasts a literal "hello" probe on a handful of well-known ports
// looking for a device to connect to, and the device that hears it
// replies directly to the sender with its own connection string.
//
// This is the mirror image of the teacher's discoverSmartBCast in
// _examples/shermp-UNCaGED/calibre/calibre.go, which plays the other
// role: it is the one broadcasting "hello" and parsing replies of this
// same shape, because UNCaGED's architecture runs the reading device as
// the TCP client. Here the device is the TCP server (see internal/protocol),
// so the desktop is the one probing and the device is the one replying.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
)

// Ports are the well-known UDP ports a Calibre desktop probes, in the
// order it tries them. Most desktops bind the first one successfully,
// but a responder listens on all five for completeness.
var Ports = []int{54982, 48123, 39001, 44044, 59678}

// probe is the literal broadcast payload the desktop sends. Anything
// else received on these ports is ignored.
const probe = "hello"

// Responder answers UDP discovery probes with the device's name and the
// TCP port the protocol server is listening on.
type Responder struct {
	deviceName string
	tcpPort    int
	log        *slog.Logger
}

// New builds a Responder that advertises deviceName and tcpPort (the
// port internal/protocol's listener is bound to) to anything that
// probes it.
func New(deviceName string, tcpPort int, log *slog.Logger) *Responder {
	return &Responder{deviceName: deviceName, tcpPort: tcpPort, log: log}
}

// Serve opens one UDP listener per well-known port and answers probes
// until ctx is cancelled. A port that fails to bind (already in use by
// another process, typically) is logged and skipped rather than failing
// the whole responder - the desktop only needs one live port to find
// the device.
func (r *Responder) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	bound := 0
	for _, port := range Ports {
		conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
		if err != nil {
			r.log.Warn("discovery: could not bind port", "port", port, "error", err)
			continue
		}
		bound++
		wg.Add(1)
		go func(pc net.PacketConn) {
			defer wg.Done()
			r.listen(ctx, pc)
		}(conn)
	}
	if bound == 0 {
		return fmt.Errorf("discovery: could not bind any of %v", Ports)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// listen answers probes on a single bound port until ctx is done, at
// which point it closes pc to unblock its own ReadFrom.
func (r *Responder) listen(ctx context.Context, pc net.PacketConn) {
	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, 64)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) != probe {
			continue
		}
		reply, err := r.replyFor(addr)
		if err != nil {
			r.log.Warn("discovery: determining reply address", "peer", addr, "error", err)
			continue
		}
		if _, err := pc.WriteTo([]byte(reply), addr); err != nil {
			r.log.Warn("discovery: replying to probe", "peer", addr, "error", err)
		}
	}
}

// replyFor builds the "<name> (on <host>);<port>,<port>" reply the
// client-side regex in calibre.go's discoverSmartBCast expects, using
// the outbound-routed local address for peer so multi-homed devices
// advertise the interface that actually reaches the prober.
func (r *Responder) replyFor(peer net.Addr) (string, error) {
	probe, err := net.Dial("udp4", peer.String())
	if err != nil {
		return "", err
	}
	defer probe.Close()
	host, _, err := net.SplitHostPort(probe.LocalAddr().String())
	if err != nil {
		return "", err
	}
	port := strconv.Itoa(r.tcpPort)
	return fmt.Sprintf("%s (on %s);%s,%s", r.deviceName, host, port, port), nil
}
