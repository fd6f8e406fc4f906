package runner

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	internalnats "github.com/wehubfusion/Okeanos/internal/nats"
	"github.com/wehubfusion/Okeanos/pkg/boundary"
	"github.com/wehubfusion/Okeanos/pkg/config"
	"go.uber.org/zap"
)

// dial connects the configured boundary transport. The returned func releases
// the underlying connection and must run after the exchange is closed.
func (r *Runner) dial(ctx context.Context) (boundary.Transport, func(), error) {
	switch r.cfg.Transport {
	case config.TransportNATS:
		cc := internalnats.DefaultConnectionConfig(r.cfg.NATSURL)
		cc.Name = fmt.Sprintf("okeanos-%s-%d", r.cfg.RunID, r.cfg.Rank)
		conn, err := internalnats.Connect(ctx, cc, r.logger)
		if err != nil {
			return nil, nil, err
		}
		t, err := boundary.NewNATSTransport(boundary.WrapNATSConn(conn), cc.SubjectPrefix, r.cfg.RunID, r.logger)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return t, func() {
			if err := internalnats.Close(conn); err != nil {
				r.logger.Warn("Failed to close NATS connection", zap.Error(err))
			}
		}, nil

	case config.TransportRedis:
		opts, err := r.cfg.RedisOptions()
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
		}
		r.logger.Info("Connected to Redis", zap.String("addr", opts.Addr))
		t, err := boundary.NewRedisTransport(client, boundary.RedisConfig{RunID: r.cfg.RunID}, r.logger)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return t, func() {
			if err := client.Close(); err != nil {
				r.logger.Warn("Failed to close Redis client", zap.Error(err))
			}
		}, nil

	case config.TransportMemory:
		return nil, nil, fmt.Errorf("memory transport only connects ranks of one process, use RunLocal")
	}
	return nil, nil, fmt.Errorf("unknown transport %q", r.cfg.Transport)
}
