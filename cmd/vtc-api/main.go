// README: Entry point; loads config, wires services, starts HTTP server and background sweepers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"vtc/internal/config"
	httptransport "vtc/internal/http"
	"vtc/internal/infra"
	"vtc/internal/maps"
	"vtc/internal/modules/broadcast"
	"vtc/internal/modules/dispatch"
	"vtc/internal/modules/eventstream"
	"vtc/internal/modules/order"
	"vtc/internal/modules/pool"
	"vtc/internal/modules/presence"
	"vtc/internal/modules/pricing"
	"vtc/internal/modules/tracking"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log := infra.NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("VTC_AUTH_JWT_SECRET is required")
	}
	verifier, err := infra.NewJWTVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatal(err)
	}

	var dbPool *pgxpool.Pool
	if cfg.DB.DSN != "" {
		dbPool, err = infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			log.Fatal(err)
		}
		defer dbPool.Close()
	} else {
		log.Warn("db.dsn empty; orders and ledger are kept in memory")
	}

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient, err = infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal(err)
		}
		defer redisClient.Close()
	} else {
		log.Warn("redis.addr empty; presence is in memory and broadcast is local to this instance")
	}

	// Realtime delivery: local websocket hub, relayed through redis when
	// several instances share the load.
	hub := broadcast.NewHub(log)
	var relay *broadcast.RedisRelay
	fanout := broadcast.NewFanout(log)
	if redisClient != nil {
		relay = broadcast.NewRedisRelay(redisClient, hub, log)
		fanout.Add(relay)
	} else {
		fanout.Add(hub)
	}

	var presenceStore presence.Store = presence.NewMemoryStore()
	if redisClient != nil {
		presenceStore = presence.NewRedisStore(redisClient)
	}
	presenceSvc := presence.NewService(presenceStore, fanout, log)

	if cfg.Firebase.ProjectID != "" {
		fcm, err := infra.NewMessagingClient(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			log.Fatalf("firebase init: %v", err)
		}
		fanout.Add(broadcast.NewFCMPusher(fcm, presenceSvc, log).WithSessions(hub))
	}

	var (
		orderStore order.Store
		ledger     tracking.Ledger
		rates      pricing.RateSource = pricing.DefaultRates(cfg.Pricing.Currency)
		elig       pool.Eligibility
	)
	if dbPool != nil {
		orderStore = order.NewStore(dbPool)
		ledger = tracking.NewStore(dbPool)
		rates = pricing.NewStore(dbPool)
		elig = pool.NewStore(dbPool)
	} else {
		mem := tracking.NewMemoryStore()
		orderStore = order.NewMemoryStore(mem)
		ledger = mem
	}

	var routes maps.Estimator = maps.HaversineEstimator{}
	if cfg.Maps.APIKey != "" {
		rs, err := maps.NewRouteService(cfg.Maps.APIKey, log)
		if err != nil {
			log.Fatalf("maps init: %v", err)
		}
		routes = rs
	}

	stream, err := newStream(cfg.Events, log)
	if err != nil {
		log.Fatal(err)
	}
	if stream != nil {
		defer stream.Close()
	}

	dispatchSvc := dispatch.NewService(dispatch.Deps{
		Orders:    orderStore,
		Pool:      pool.NewBuilder(presenceSvc, elig, cfg.Dispatch, log),
		Presence:  presenceSvc,
		Tracking:  tracking.NewService(ledger, log),
		Pricing:   pricing.NewService(rates, cfg.Pricing),
		Routes:    routes,
		Broadcast: fanout,
		Stream:    stream,
	}, cfg.Dispatch, log)

	router, err := httptransport.NewRouter(httptransport.RouterDeps{
		Dispatch: dispatchSvc,
		Presence: presenceSvc,
		Hub:      hub,
		Verifier: verifier,
		Log:      log,
	})
	if err != nil {
		log.Fatal(err)
	}

	go dispatchSvc.RunTimeoutMonitor(ctx)
	if relay != nil {
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("broadcast relay stopped")
			}
		}()
	}

	if err := httptransport.NewServer(cfg.HTTP.Addr, router, log).Run(ctx); err != nil {
		log.Fatal(err)
	}
	log.Info("shutdown complete")
}

// newStream returns nil when the audit stream is disabled.
func newStream(cfg config.EventsConfig, log logrus.FieldLogger) (eventstream.Publisher, error) {
	switch cfg.Broker {
	case "kafka":
		producer, err := infra.NewKafkaProducer(cfg.Kafka.Brokers, "vtc-api")
		if err != nil {
			return nil, err
		}
		return eventstream.NewKafkaPublisher(producer, cfg.Kafka.Topic, log), nil
	case "rabbitmq":
		conn, ch, err := infra.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return nil, err
		}
		return eventstream.NewRabbitPublisher(&rabbitChannel{Channel: ch, conn: conn}, cfg.RabbitMQ.Exchange, log), nil
	}
	return nil, nil
}

// rabbitChannel closes the owning connection along with the channel.
type rabbitChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c *rabbitChannel) Close() error {
	_ = c.Channel.Close()
	return c.conn.Close()
}
