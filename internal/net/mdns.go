package net

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"boardsync/internal/logger"
)

const serviceType = "_boardsync._tcp"

// Advertise announces a relay on the local network.
func Advertise(port int, info ...string) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, errors.Wrap(err, "hostname")
	}
	if len(info) == 0 {
		info = []string{"boardsync relay"}
	}
	service, err := mdns.NewMDNSService(host, serviceType, "", "", port, nil, info)
	if err != nil {
		return nil, errors.Wrap(err, "mdns service")
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, errors.Wrap(err, "mdns server")
	}
	logger.Info("relay_advertised", zap.String("service", serviceType), zap.Int("port", port))
	return server, nil
}

// Browse reports relays found on the local network as ws:// URLs until
// timeout elapses or ctx is done.
func Browse(ctx context.Context, timeout time.Duration, found func(url string)) error {
	entries := make(chan *mdns.ServiceEntry, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if e.AddrV4 == nil || e.Port == 0 {
				continue
			}
			found(fmt.Sprintf("ws://%s:%d", e.AddrV4.String(), e.Port))
		}
	}()
	params := mdns.DefaultParams(serviceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	errc := make(chan error, 1)
	go func() { errc <- mdns.Query(params) }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
		<-errc
	}
	close(entries)
	<-done
	return err
}
