// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package udp6 is a reference coap.Socket built on a plain UDP/IPv6
// packet connection, with multicast group joins handled through
// golang.org/x/net/ipv6 so cmd/meshcoapd can run against a real interface
// instead of only the in-process fakes the package tests use.
package udp6

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv6"

	"github.com/openthread-go/corestack/coap"
)

// Logger is the nil-safe sink Socket logs receive-loop errors through.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Socket binds one UDP/IPv6 port and implements coap.Socket for it, with a
// background goroutine feeding inbound datagrams to the configured
// receiver. Receiver callbacks run on that goroutine; callers that need
// the single-cooperative-context guarantee from spec.md §5 must hop back
// onto their own event loop before touching an Agent.
type Socket struct {
	conn   *net.UDPConn
	pconn  *ipv6.PacketConn
	iface  *net.Interface
	port   uint16
	log    Logger
	onRecv func(buf []byte, info coap.MessageInfo)
}

// Listen opens addr (e.g. "[::]:5683") on the named interface (empty for
// the default), ready to join multicast groups.
func Listen(addr string, ifaceName string) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp6", addr)
	if err != nil {
		return nil, fmt.Errorf("udp6: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp6", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udp6: listen %s: %w", addr, err)
	}
	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("udp6: interface %s: %w", ifaceName, err)
		}
	}
	return &Socket{
		conn:  conn,
		pconn: ipv6.NewPacketConn(conn),
		iface: iface,
		port:  uint16(udpAddr.Port),
	}, nil
}

// JoinMulticast joins the given IPv6 multicast group on the socket's bound
// interface, e.g. "ff03::fc" (the Thread all-mesh-forwarders address) or
// "ff02::1" (all-nodes link-local).
func (s *Socket) JoinMulticast(group string) error {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("udp6: %q is not a multicast address", group)
	}
	return s.pconn.JoinGroup(s.iface, &net.UDPAddr{IP: ip})
}

// SendTo implements coap.Socket.
func (s *Socket) SendTo(buf []byte, info coap.MessageInfo) error {
	addr, err := net.ResolveUDPAddr("udp6", net.JoinHostPort(info.PeerAddr, strconv.Itoa(int(info.PeerPort))))
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(buf, addr)
	return err
}

// OnReceive registers the callback invoked for every inbound datagram.
func (s *Socket) OnReceive(fn func(buf []byte, info coap.MessageInfo)) { s.onRecv = fn }

// Serve runs the receive loop until the socket is closed. Intended to run
// on its own goroutine; see the Socket doc comment for the handoff
// requirement this implies.
func (s *Socket) Serve() error {
	buf := make([]byte, coap.MaxMessageLength)
	for {
		n, cm, peer, err := s.pconn.ReadFrom(buf)
		if err != nil {
			return err
		}
		udpPeer, ok := peer.(*net.UDPAddr)
		if !ok {
			continue
		}
		info := coap.MessageInfo{
			PeerAddr: udpPeer.IP.String(),
			PeerPort: uint16(udpPeer.Port),
		}
		if cm != nil {
			info.HopLimit = uint8(cm.HopLimit)
		}
		if s.onRecv != nil {
			s.onRecv(append([]byte(nil), buf[:n]...), info)
		} else if s.log != nil {
			s.log.Printf("udp6: dropped %d bytes from %s, no receiver registered", n, info.PeerAddr)
		}
	}
}

// Close releases the underlying socket.
func (s *Socket) Close() error { return s.conn.Close() }
