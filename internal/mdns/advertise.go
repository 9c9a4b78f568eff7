package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"

	"github.com/rjboer/usemu/internal/logging"
)

// AdvertiseConfig describes the service record to publish.
type AdvertiseConfig struct {
	Instance string
	Port     int
	// Attributes become key=value TXT records.
	Attributes map[string]string
	// Retries bounds registration attempts after the first failure.
	Retries uint64
}

// Advertisement is a registered service. Shutdown withdraws it.
type Advertisement struct {
	server *zeroconf.Server
	logger logging.Logger
}

// registerFunc matches zeroconf.Register.
type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Advertise registers the service, retrying with exponential backoff while the
// network is not ready yet.
func Advertise(ctx context.Context, cfg AdvertiseConfig, logger logging.Logger) (*Advertisement, error) {
	return advertise(ctx, cfg, logger, zeroconf.Register)
}

func advertise(ctx context.Context, cfg AdvertiseConfig, logger logging.Logger, register registerFunc) (*Advertisement, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With(logging.Field{Key: "subsystem", Value: "mdns"})
	if cfg.Instance == "" {
		return nil, errors.New("mdns instance name is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("mdns port %d out of range", cfg.Port)
	}

	txt := TXTRecords(cfg.Attributes)
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, cfg.Retries), ctx)

	var server *zeroconf.Server
	op := func() error {
		s, err := register(cfg.Instance, ServiceType, Domain, cfg.Port, txt, nil)
		if err != nil {
			return err
		}
		server = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("mdns registration failed, retrying", logging.Err(err), logging.Field{Key: "wait", Value: wait.String()})
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("register %s: %w", ServiceType, err)
	}

	logger.Info("service advertised",
		logging.Field{Key: "instance", Value: cfg.Instance},
		logging.Field{Key: "port", Value: cfg.Port})
	return &Advertisement{server: server, logger: logger}, nil
}

// Shutdown withdraws the service record.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.logger.Info("service withdrawn")
}

// TXTRecords renders attributes as sorted key=value records.
func TXTRecords(attrs map[string]string) []string {
	out := make([]string, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
