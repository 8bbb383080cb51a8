// Package netinfo finds the addresses a relay can be reached on.
package netinfo

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
)

const DefaultSTUNServer = "stun.l.google.com:19302"

var ErrTimeout = errors.New("stun server did not answer in time")

// LANAddr returns the local address the kernel would route external traffic
// from. No packet is sent.
func LANAddr() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errors.New("local address is not a UDP address")
	}
	return addr.IP, nil
}

// PublicAddr asks a STUN server for the address this host is seen from.
func PublicAddr(server string, timeout time.Duration) (*net.UDPAddr, error) {
	if server == "" {
		server = DefaultSTUNServer
	}
	conn, err := net.DialTimeout("udp4", server, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial stun server: %w", err)
	}
	client, err := stun.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("creating stun client: %w", err)
	}
	defer client.Close()

	var (
		xorAddr stun.XORMappedAddress
		doErr   error
	)
	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	done := make(chan error, 1)
	go func() {
		done <- client.Do(message, func(res stun.Event) {
			if res.Error != nil {
				doErr = res.Error
				return
			}
			doErr = xorAddr.GetFrom(res.Message)
		})
	}()

	select {
	case err = <-done:
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("binding request: %w", err)
	}
	if doErr != nil {
		return nil, fmt.Errorf("binding response: %w", doErr)
	}

	return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
}
